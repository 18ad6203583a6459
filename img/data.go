package img

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/jnb666/deepemotion/stats"
	"github.com/pkg/errors"
)

// Data is a labelled set of equal sized face images. It implements the nnet.Data interface.
type Data struct {
	DataHead
	Images []*GrayImage
}

// DataHead is the part of the data set which is saved ahead of the pixel data.
type DataHead struct {
	Class  []string
	Dims   []int
	Labels []int32
	Mean   []float32
	StdDev []float32
}

func NewData(classes []string, labels []int32, images []*GrayImage) *Data {
	d := &Data{Images: images}
	d.Class, d.Labels = classes, labels
	d.Dims = []int{1, 0, 0}
	if len(images) > 0 {
		d.Dims[1], d.Dims[2] = images[0].Height, images[0].Width
	}
	return d
}

func (d *Data) Len() int { return len(d.Labels) }

func (d *Data) Classes() []string { return d.Class }

// Shape is channels, height, width
func (d *Data) Shape() []int { return d.Dims }

func (d *Data) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.Labels[ix]
	}
}

// Input copies the pixels for each index to consecutive entries in buf. If t is set the images are
// transformed first.
func (d *Data) Input(index []int, buf []float32, t *Transformer) {
	size := d.pixels()
	images := make([]*GrayImage, len(index))
	for i, ix := range index {
		images[i] = d.Images[ix]
	}
	if t != nil {
		images = t.TransformBatch(images)
	}
	for i, m := range images {
		copy(buf[i*size:(i+1)*size], m.Pix)
	}
}

func (d *Data) Image(ix int) *GrayImage {
	return d.Images[ix]
}

// Slice returns a copy of images start to end-1
func (d *Data) Slice(start, end int) *Data {
	s := *d
	s.Labels = append([]int32(nil), d.Labels[start:end]...)
	s.Images = append([]*GrayImage(nil), d.Images[start:end]...)
	return &s
}

// Counts returns the number of images with each label
func (d *Data) Counts() []int {
	n := make([]int, len(d.Class))
	for _, lab := range d.Labels {
		if int(lab) < len(n) {
			n[lab]++
		}
	}
	return n
}

func (d *Data) pixels() int {
	if len(d.Dims) != 3 {
		return 0
	}
	return d.Dims[0] * d.Dims[1] * d.Dims[2]
}

// Encode writes the header followed by the pixels of all images as one block.
func (d *Data) Encode(w io.Writer) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(&d.DataHead); err != nil {
		return errors.Wrap(err, "error encoding header")
	}
	pix := make([]float32, 0, d.Len()*d.pixels())
	for _, m := range d.Images {
		pix = append(pix, m.Pix...)
	}
	return errors.Wrap(enc.Encode(pix), "error encoding pixels")
}

// Decode reads data written by Encode. The images share a single pixel buffer.
func (d *Data) Decode(r io.Reader) error {
	dec := gob.NewDecoder(r)
	d.DataHead = DataHead{}
	if err := dec.Decode(&d.DataHead); err != nil {
		return errors.Wrap(err, "error decoding header")
	}
	var pix []float32
	if err := dec.Decode(&pix); err != nil && d.Len() > 0 {
		return errors.Wrap(err, "error decoding pixels")
	}
	size := d.pixels()
	if len(pix) != d.Len()*size {
		return errors.Errorf("pixel data size %d: expecting %d images of %v", len(pix), d.Len(), d.Dims)
	}
	d.Images = make([]*GrayImage, d.Len())
	for i := range d.Images {
		d.Images[i] = &GrayImage{Pix: pix[i*size : (i+1)*size : (i+1)*size], Height: d.Dims[1], Width: d.Dims[2]}
	}
	return nil
}

// GetStats returns the pixel mean and standard deviation over the images in each list.
func GetStats(imgList ...[]*GrayImage) (mean, std []float32) {
	var total stats.Average
	for _, images := range imgList {
		for _, m := range images {
			var s stats.Average
			for _, val := range m.Pix {
				s.Add(float64(val))
			}
			total.Merge(s)
		}
	}
	fmt.Printf("pixel stats: %s\n", total.String())
	return []float32{float32(total.Mean)}, []float32{float32(total.StdDev)}
}

// Package fer reads the FER2013 facial expression data set.
//
// The source file is a CSV with a header row and columns emotion, pixels and Usage. Pixels holds
// 48x48 space separated 8 bit grayscale values. Rows with Usage Training, PublicTest and
// PrivateTest are split into the train, valid and test sets.
package fer

import (
	"compress/gzip"
	"encoding/csv"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/jnb666/deepemotion/img"
	"github.com/pkg/errors"
)

// Image width and height
const Size = 48

// Emotion class names in label order
var Classes = []string{"Angry", "Disgust", "Fear", "Happy", "Sad", "Surprise", "Neutral"}

// Maps the Usage column to the data set name
var Usage = map[string]string{
	"Training":    "train",
	"PublicTest":  "valid",
	"PrivateTest": "test",
}

// Load the CSV file, which may be gzip compressed if the name ends in .gz
func Load(file string) (map[string]*img.Data, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, errors.Wrap(err, "error opening data")
	}
	defer f.Close()
	var r io.Reader = f
	if strings.HasSuffix(file, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "error reading "+file)
		}
		defer gz.Close()
		r = gz
	}
	return Parse(r)
}

// Parse the CSV data and return the images for each set. The mean and standard deviation of
// the training images is stored in the header of every set so they are normalised the same way.
func Parse(r io.Reader) (map[string]*img.Data, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true
	header, err := cr.Read()
	if err != nil {
		return nil, errors.Wrap(err, "error reading header")
	}
	col, err := columns(header)
	if err != nil {
		return nil, err
	}
	labels := map[string][]int32{}
	images := map[string][]*img.GrayImage{}
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		key := "train"
		if col[2] >= 0 {
			var ok bool
			if key, ok = Usage[rec[col[2]]]; !ok {
				return nil, errors.Errorf("line %d: invalid usage %q", line, rec[col[2]])
			}
		}
		label, err := strconv.Atoi(rec[col[0]])
		if err != nil || label < 0 || label >= len(Classes) {
			return nil, errors.Errorf("line %d: invalid emotion %q", line, rec[col[0]])
		}
		m, err := parsePixels(rec[col[1]])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", line)
		}
		labels[key] = append(labels[key], int32(label))
		images[key] = append(images[key], m)
	}
	if len(images["train"]) == 0 {
		return nil, errors.New("no training images found")
	}
	mean, std := img.GetStats(images["train"])
	sets := map[string]*img.Data{}
	for key, list := range images {
		d := img.NewData(Classes, labels[key], list)
		d.Mean, d.StdDev = mean, std
		sets[key] = d
	}
	return sets, nil
}

// index of emotion, pixels and Usage columns, Usage is optional
func columns(header []string) ([3]int, error) {
	col := [3]int{-1, -1, -1}
	for i, name := range header {
		switch strings.TrimSpace(name) {
		case "emotion":
			col[0] = i
		case "pixels":
			col[1] = i
		case "Usage":
			col[2] = i
		}
	}
	if col[0] < 0 || col[1] < 0 {
		return col, errors.Errorf("expecting emotion and pixels columns in header: %v", header)
	}
	return col, nil
}

func parsePixels(s string) (*img.GrayImage, error) {
	fields := strings.Fields(s)
	if len(fields) != Size*Size {
		return nil, errors.Errorf("expecting %d pixels, got %d", Size*Size, len(fields))
	}
	pix := make([]byte, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseUint(f, 10, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "pixel %d", i)
		}
		pix[i] = byte(v)
	}
	return img.NewGrayFromBytes(Size, Size, pix), nil
}

package nnet

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/jnb666/deepemotion/img"
	"github.com/jnb666/deepemotion/num"
	"github.com/pkg/errors"
)

// DataDir has the data, config and state files, set from BKVGG8_DATA if defined.
var DataDir = "data"

// DataTypes are the data set names, only train is required.
var DataTypes = []string{"train", "test", "valid"}

func init() {
	if dir := os.Getenv("BKVGG8_DATA"); dir != "" {
		DataDir = dir
	}
}

// Data is the raw labelled data for a training, test or validation set.
type Data interface {
	Len() int
	Classes() []string
	// Shape of one sample
	Shape() []int
	Label(index []int, label []int32)
	// Input copies the samples to buf, applying the transformations if t is not nil
	Input(index []int, buf []float32, t *img.Transformer)
}

// LoadData reads <name>_train.dat and the test and valid sets if present.
func LoadData(name string) (map[string]Data, error) {
	d := map[string]Data{}
	for _, key := range DataTypes {
		file := name + "_" + key
		if !FileExists(file + ".dat") {
			continue
		}
		data, err := LoadDataFile(file)
		if err != nil {
			return nil, err
		}
		d[key] = data
	}
	if d["train"] == nil {
		return nil, errors.Errorf("training data for %s not found in %s", name, DataDir)
	}
	return d, nil
}

// LoadDataFile decodes the image data from <name>.dat under DataDir.
func LoadDataFile(name string) (*img.Data, error) {
	f, err := os.Open(filepath.Join(DataDir, name+".dat"))
	if err != nil {
		return nil, errors.Wrap(err, "error loading data")
	}
	defer f.Close()
	d := new(img.Data)
	if err = d.Decode(f); err != nil {
		return nil, errors.Wrapf(err, "error decoding %s", name)
	}
	fmt.Printf("loaded %s.dat: %d images of %v\n", name, d.Len(), d.Shape())
	return d, nil
}

// SaveDataFile encodes the image data to <name>.dat under DataDir.
func SaveDataFile(d *img.Data, name string) error {
	f, err := os.Create(filepath.Join(DataDir, name+".dat"))
	if err != nil {
		return errors.Wrap(err, "error saving data")
	}
	fmt.Printf("saving %d images to %s.dat\n", d.Len(), name)
	if err = d.Encode(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// FileExists checks for a file under DataDir
func FileExists(name string) bool {
	_, err := os.Stat(filepath.Join(DataDir, name))
	return err == nil
}

// in memory data set with samples stored consecutively
type memData struct {
	classes []string
	shape   []int
	labels  []int32
	inputs  []float32
}

// NewData returns a data set with the given sample shape. The classes are named by number.
func NewData(nclasses int, shape []int, labels []int32, inputs []float32) Data {
	d := memData{shape: shape, labels: labels, inputs: inputs}
	for i := 0; i < nclasses; i++ {
		d.classes = append(d.classes, strconv.Itoa(i))
	}
	return d
}

func (d memData) Len() int { return len(d.labels) }

func (d memData) Classes() []string { return d.classes }

func (d memData) Shape() []int { return d.shape }

func (d memData) Label(index []int, label []int32) {
	for i, ix := range index {
		label[i] = d.labels[ix]
	}
}

// transforms only apply to image data
func (d memData) Input(index []int, buf []float32, _ *img.Transformer) {
	n := num.Prod(d.shape)
	for i, ix := range index {
		copy(buf[i*n:(i+1)*n], d.inputs[ix*n:(ix+1)*n])
	}
}

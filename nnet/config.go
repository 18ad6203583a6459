package nnet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
)

// InitType selects the random weight initialisation.
type InitType string

const (
	GlorotUniform InitType = "GlorotUniform"
	GlorotNormal  InitType = "GlorotNormal"
	RandomNormal  InitType = "RandomNormal"
)

// Config has the training settings and the layer definitions. It is saved as JSON under DataDir.
type Config struct {
	DataSet       string   `desc:"data set name, files are <name>_train.dat etc. under the data directory"`
	Optimiser     string   `desc:"adam or sgd"`
	Eta           float64  `desc:"learning rate"`
	Beta1         float64  `desc:"adam first moment decay"`
	Beta2         float64  `desc:"adam second moment decay"`
	Epsilon       float64  `desc:"adam denominator offset"`
	Momentum      float64  `desc:"sgd momentum"`
	Lambda        float64  `desc:"L2 weight decay"`
	WeightInit    InitType `desc:"GlorotUniform, GlorotNormal or RandomNormal"`
	SingleSoftmax bool     `desc:"take the cross entropy of the softmax output, else softmax is applied again first"`
	TrainDropout  bool     `desc:"enable dropout layers when training, else they pass their input through"`
	Normalise     bool     `desc:"scale inputs to zero mean and unit variance"`
	Distort       bool     `desc:"apply random distortions to the training images"`
	Shuffle       bool     `desc:"shuffle the training data each epoch"`
	TrainBatch    int      `desc:"training batch size"`
	TestBatch     int      `desc:"evaluation batch size"`
	MaxEpoch      int      `desc:"number of training epochs"`
	MaxSamples    int      `desc:"if set limit the number of samples used from each data set"`
	LogEvery      int      `desc:"log the loss every n steps"`
	SaveSteps     int      `desc:"write summaries every n steps"`
	StopAfter     int      `desc:"stop if there is no improvement in validation accuracy for n epochs"`
	ValidEMA      float64  `desc:"number of epochs for the validation accuracy moving average"`
	MinLoss       float64  `desc:"stop when the training loss is below this value"`
	RandSeed      int64    `desc:"random number seed, 0 to use the time"`
	Threads       int      `desc:"number of worker threads, 0 for one per core"`
	DebugLevel    int      `desc:"0 for none, 1 for summary, 2 for each batch"`
	Profile       bool     `desc:"print time spent in each function"`
	LogDir        string   `desc:"directory for summaries and checkpoint"`
	Layers        []LayerConfig
}

// DefaultConfig uses Adam with the usual default parameters.
func DefaultConfig() Config {
	return Config{
		Optimiser:  "adam",
		Eta:        0.001,
		Beta1:      0.9,
		Beta2:      0.999,
		Epsilon:    1e-8,
		WeightInit: GlorotUniform,
		Shuffle:    true,
		TrainBatch: 64,
		TestBatch:  256,
		MaxEpoch:   50,
		LogEvery:   100,
		SaveSteps:  100,
		ValidEMA:   5,
	}
}

// LoadConfig reads and validates the named JSON file under DataDir.
func LoadConfig(name string) (Config, error) {
	var c Config
	data, err := os.ReadFile(filepath.Join(DataDir, name))
	if err != nil {
		return c, errors.Wrap(err, "error loading config")
	}
	fmt.Println("loading network config from", name)
	if err = json.Unmarshal(data, &c); err != nil {
		return c, errors.Wrapf(err, "error decoding config %s", name)
	}
	return c, c.Validate()
}

func (c Config) AddLayers(layers ...ConfigLayer) Config {
	for _, l := range layers {
		c.Layers = append(c.Layers, l.Marshal())
	}
	return c
}

// Save writes the config as indented JSON under DataDir, replacing any existing file.
func (c Config) Save(name string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "error encoding config %s", name)
	}
	fmt.Println("saving network config to", name)
	tmp := filepath.Join(DataDir, "."+name)
	if err = os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return errors.Wrap(err, "error saving config")
	}
	return os.Rename(tmp, filepath.Join(DataDir, name))
}

func (c Config) Validate() error {
	if _, err := NewOptimiser(c); err != nil {
		return err
	}
	switch c.WeightInit {
	case "", GlorotUniform, GlorotNormal, RandomNormal:
	default:
		return errors.Errorf("invalid WeightInit %q", c.WeightInit)
	}
	if c.TrainBatch < 0 || c.TestBatch < 0 {
		return errors.New("batch size must not be negative")
	}
	if c.MaxEpoch < 0 || c.ValidEMA < 0 {
		return errors.New("MaxEpoch and ValidEMA must not be negative")
	}
	for i, l := range c.Layers {
		if _, err := l.Unmarshal(); err != nil {
			return errors.Wrapf(err, "layer %d", i)
		}
	}
	return nil
}

// Fields lists the names of the settings which can be edited, all but the layers.
func (c Config) Fields() []string {
	var names []string
	for _, f := range reflect.VisibleFields(reflect.TypeOf(c)) {
		if f.Name != "Layers" {
			names = append(names, f.Name)
		}
	}
	return names
}

// Describe returns the help text for the field.
func (c Config) Describe(key string) string {
	if f, ok := reflect.TypeOf(c).FieldByName(key); ok {
		return f.Tag.Get("desc")
	}
	return ""
}

func (c Config) Get(key string) any {
	return reflect.ValueOf(c).FieldByName(key).Interface()
}

func (c Config) configString() string {
	var b strings.Builder
	b.WriteString("== Config ==\n")
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	for _, key := range c.Fields() {
		fmt.Fprintf(w, "%s\t%v\n", key, c.Get(key))
	}
	w.Flush()
	return strings.TrimSuffix(b.String(), "\n")
}

func (c Config) String() string {
	s := c.configString()
	if len(c.Layers) > 0 {
		s += "\n== Network =="
		for i, layer := range c.Layers {
			s += fmt.Sprintf("\n%2d: %s", i, layer)
		}
	}
	return s
}

// SetString parses val according to the type of the field and returns the updated config.
func (c Config) SetString(key, val string) (Config, error) {
	orig := c
	f := reflect.ValueOf(&c).Elem().FieldByName(key)
	if !f.IsValid() || key == "Layers" {
		return c, errors.Errorf("invalid config field %q", key)
	}
	val = strings.TrimSpace(val)
	var err error
	switch f.Kind() {
	case reflect.String:
		f.SetString(val)
	case reflect.Bool:
		var b bool
		b, err = strconv.ParseBool(val)
		f.SetBool(b)
	case reflect.Int, reflect.Int64:
		var i int64
		i, err = strconv.ParseInt(val, 10, 64)
		f.SetInt(i)
	case reflect.Float64:
		var x float64
		x, err = strconv.ParseFloat(val, 64)
		f.SetFloat(x)
	default:
		return c, errors.Errorf("cannot set %s of type %s", key, f.Type())
	}
	if err != nil {
		return orig, errors.Wrapf(err, "error setting %s", key)
	}
	return c, nil
}

func (c Config) SetBool(key string, val bool) (Config, error) {
	f := reflect.ValueOf(&c).Elem().FieldByName(key)
	if !f.IsValid() || f.Kind() != reflect.Bool {
		return c, errors.Errorf("%s is not a boolean setting", key)
	}
	f.SetBool(val)
	return c, nil
}

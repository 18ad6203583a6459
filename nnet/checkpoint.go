package nnet

import (
	"encoding/gob"
	"os"
	"path"

	"github.com/jnb666/deepemotion/num"
	"github.com/pkg/errors"
)

// Name of checkpoint file under the log directory
const CheckpointFile = "model.ckpt"

type checkpoint struct {
	Step    int
	Epoch   int
	Config  Config
	Params  map[string][]float32
	State   map[string][][]float32
	BNStats [][]float32
}

// Save the network state to the checkpoint file in dir. The data is written to a temp file and then renamed.
func (n *Network) SaveCheckpoint(dir string) error {
	q := n.queue
	c := checkpoint{
		Step:   n.Step,
		Epoch:  n.Epoch,
		Config: n.Config,
		Params: map[string][]float32{},
		State:  map[string][][]float32{},
	}
	for _, p := range n.params {
		c.Params[p.Name] = readArray(q, p.Value)
		for _, s := range p.State {
			c.State[p.Name] = append(c.State[p.Name], readArray(q, s))
		}
	}
	for _, layer := range n.Layers {
		if l, ok := layer.(*batchNormLayer); ok {
			mean, variance := l.Stats()
			c.BNStats = append(c.BNStats, readArray(q, mean), readArray(q, variance))
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating checkpoint dir")
	}
	tmpFile := path.Join(dir, "."+CheckpointFile)
	if err := writeCheckpoint(tmpFile, c); err != nil {
		os.Remove(tmpFile)
		return err
	}
	if err := os.Rename(tmpFile, path.Join(dir, CheckpointFile)); err != nil {
		os.Remove(tmpFile)
		return errors.Wrap(err, "error saving checkpoint")
	}
	return nil
}

func writeCheckpoint(file string, c checkpoint) error {
	f, err := os.Create(file)
	if err != nil {
		return errors.Wrap(err, "error saving checkpoint")
	}
	if err = gob.NewEncoder(f).Encode(c); err != nil {
		f.Close()
		return errors.Wrap(err, "error encoding checkpoint")
	}
	return errors.Wrap(f.Close(), "error saving checkpoint")
}

// Restore the network state from the checkpoint file in dir. Layer definitions must match.
func (n *Network) LoadCheckpoint(dir string) error {
	f, err := os.Open(path.Join(dir, CheckpointFile))
	if err != nil {
		return errors.Wrap(err, "error loading checkpoint")
	}
	defer f.Close()
	var c checkpoint
	if err = gob.NewDecoder(f).Decode(&c); err != nil {
		return errors.Wrap(err, "error decoding checkpoint")
	}
	if len(c.Config.Layers) != len(n.Config.Layers) {
		return errors.Errorf("checkpoint has %d layers, network has %d", len(c.Config.Layers), len(n.Config.Layers))
	}
	if err = c.check(n); err != nil {
		return err
	}
	q := n.queue
	for _, p := range n.params {
		q.Call(num.Write(p.Value, c.Params[p.Name]))
		state := c.State[p.Name]
		for i, s := range p.State {
			if i < len(state) && len(state[i]) == s.Size() {
				q.Call(num.Write(s, state[i]))
			} else {
				q.Call(num.Fill(s, 0))
			}
		}
	}
	i := 0
	for _, layer := range n.Layers {
		if l, ok := layer.(*batchNormLayer); ok && i+1 < len(c.BNStats) {
			mean, variance := l.Stats()
			q.Call(num.Write(mean, c.BNStats[i]), num.Write(variance, c.BNStats[i+1]))
			i += 2
		}
	}
	q.Finish()
	n.Step = c.Step
	n.Epoch = c.Epoch
	return nil
}

// check the saved parameters and batch norm stats match the network before anything is restored
func (c checkpoint) check(n *Network) error {
	for _, p := range n.params {
		if data, ok := c.Params[p.Name]; !ok || len(data) != p.Value.Size() {
			return errors.Errorf("checkpoint parameter %s missing or wrong size", p.Name)
		}
	}
	i := 0
	for _, layer := range n.Layers {
		if l, ok := layer.(*batchNormLayer); ok && i+1 < len(c.BNStats) {
			mean, variance := l.Stats()
			if len(c.BNStats[i]) != mean.Size() || len(c.BNStats[i+1]) != variance.Size() {
				return errors.Errorf("checkpoint batch norm stats %d wrong size", i/2)
			}
			i += 2
		}
	}
	return nil
}

// Check if a checkpoint exists in dir
func CheckpointExists(dir string) bool {
	_, err := os.Stat(path.Join(dir, CheckpointFile))
	return err == nil
}

func readArray(q num.Queue, a num.Array) []float32 {
	buf := make([]float32, a.Size())
	q.Call(num.Read(a, buf)).Finish()
	return buf
}

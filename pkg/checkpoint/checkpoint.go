// Package checkpoint saves and restores model weights and optimizer state.
//
// A checkpoint is a zip archive. checkpoint.json holds the metadata, and every
// tensor is stored as a separate entry of little-endian float32 values:
//
//	checkpoint.json
//	state_dict/<parameter name>
//	optimizer/<slot>/<parameter name>
package checkpoint

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/yolotrain/pkg/nn"
	"github.com/cyclopcam/yolotrain/pkg/optim"
	"github.com/cyclopcam/yolotrain/pkg/storage"
	"github.com/cyclopcam/yolotrain/pkg/tensor"
)

const Version = 1

const metaName = "checkpoint.json"
const stateDir = "state_dict/"
const optimizerDir = "optimizer/"

// Meta is stored as checkpoint.json
type Meta struct {
	Version   int              `json:"version"`
	CreatedAt time.Time        `json:"createdAt"`
	Epoch     int              `json:"epoch"`
	MAP       float32          `json:"map"`
	Model     nn.ModelConfig   `json:"model"`
	Optimizer *optim.State     `json:"optimizer,omitempty"` // Slots are stored as separate entries
	Shapes    map[string][]int `json:"shapes"`              // Shape of every state_dict tensor
}

// Checkpoint is a snapshot of a training run
type Checkpoint struct {
	Meta
	State map[string]*tensor.Tensor
}

// StateModel is the part of a model that gets checkpointed
type StateModel interface {
	State() []tensor.Param
	LoadState(state map[string]*tensor.Tensor) error
}

// New snapshots the model and optimizer. The tensors are copied, so training can continue.
// opt may be nil.
func New(config nn.ModelConfig, model StateModel, opt optim.Optimizer, epoch int, mAP float32) *Checkpoint {
	c := &Checkpoint{
		Meta: Meta{
			Version:   Version,
			CreatedAt: time.Now().UTC(),
			Epoch:     epoch,
			MAP:       mAP,
			Model:     config,
			Shapes:    map[string][]int{},
		},
		State: map[string]*tensor.Tensor{},
	}
	for _, p := range model.State() {
		c.State[p.Name] = p.Tensor.Clone()
	}
	if opt != nil {
		c.Optimizer = opt.State()
	}
	return c
}

// Restore copies the checkpoint into model and opt (opt may be nil)
func (c *Checkpoint) Restore(model StateModel, opt optim.Optimizer) error {
	if err := model.LoadState(c.State); err != nil {
		return err
	}
	if opt != nil {
		if c.Optimizer == nil {
			return fmt.Errorf("Checkpoint of epoch %v has no optimizer state", c.Epoch)
		}
		if err := opt.LoadState(c.Optimizer); err != nil {
			return err
		}
	}
	return nil
}

// Write encodes the checkpoint as a zip archive
func (c *Checkpoint) Write(w io.Writer) error {
	zw := zip.NewWriter(w)

	meta := c.Meta
	meta.Shapes = map[string][]int{}
	for name, t := range c.State {
		meta.Shapes[name] = t.Shape
	}

	mz, err := zw.Create(metaName)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(mz)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&meta); err != nil {
		return err
	}

	for _, name := range sortedKeys(c.State) {
		if err := writeFloats(zw, stateDir+name, c.State[name].Data); err != nil {
			return err
		}
	}
	if c.Optimizer != nil {
		for _, slot := range sortedKeys(c.Optimizer.Slots) {
			values := c.Optimizer.Slots[slot]
			for _, name := range sortedKeys(values) {
				if err := writeFloats(zw, optimizerDir+slot+"/"+name, values[name]); err != nil {
					return err
				}
			}
		}
	}
	return zw.Close()
}

// Read decodes a checkpoint that was produced by Write
func Read(raw []byte) (*Checkpoint, error) {
	zr, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return nil, fmt.Errorf("Checkpoint is not a valid zip archive: %w", err)
	}
	c := &Checkpoint{
		State: map[string]*tensor.Tensor{},
	}
	entries := map[string]*zip.File{}
	for _, f := range zr.File {
		entries[f.Name] = f
	}
	mf, ok := entries[metaName]
	if !ok {
		return nil, fmt.Errorf("Checkpoint is missing %v", metaName)
	}
	if err := readJSON(mf, &c.Meta); err != nil {
		return nil, err
	}
	if c.Version != Version {
		return nil, fmt.Errorf("Unsupported checkpoint version %v", c.Version)
	}
	for name, shape := range c.Shapes {
		f, ok := entries[stateDir+name]
		if !ok {
			return nil, fmt.Errorf("Checkpoint is missing tensor %v", name)
		}
		data, err := readFloats(f)
		if err != nil {
			return nil, err
		}
		if len(data) != tensor.NumElements(shape) {
			return nil, fmt.Errorf("Tensor %v has %v values, but shape %v needs %v", name, len(data), shape, tensor.NumElements(shape))
		}
		c.State[name] = tensor.FromData(data, shape...)
	}
	if c.Optimizer != nil {
		c.Optimizer.Slots = map[string]map[string][]float32{}
		for _, f := range zr.File {
			rest, ok := strings.CutPrefix(f.Name, optimizerDir)
			if !ok {
				continue
			}
			slot, name, ok := strings.Cut(rest, "/")
			if !ok {
				return nil, fmt.Errorf("Invalid optimizer entry %v", f.Name)
			}
			data, err := readFloats(f)
			if err != nil {
				return nil, err
			}
			if c.Optimizer.Slots[slot] == nil {
				c.Optimizer.Slots[slot] = map[string][]float32{}
			}
			c.Optimizer.Slots[slot][name] = data
		}
	}
	return c, nil
}

// Save writes the checkpoint to the store
func Save(store storage.Storage, name string, c *Checkpoint) error {
	buf := bytes.Buffer{}
	if err := c.Write(&buf); err != nil {
		return err
	}
	return storage.WriteFile(store, name, &buf)
}

// Load reads a checkpoint from the store
func Load(store storage.Storage, name string) (*Checkpoint, error) {
	raw, err := storage.ReadFile(store, name)
	if err != nil {
		return nil, err
	}
	c, err := Read(raw)
	if err != nil {
		return nil, fmt.Errorf("Failed to read checkpoint %v: %w", name, err)
	}
	return c, nil
}

// Name returns the storage name of the checkpoint of the given epoch, "<prefix>-<epoch>.ckpt"
func Name(prefix string, epoch int) string {
	return fmt.Sprintf("%v-%v.ckpt", prefix, epoch)
}

// Entry is a checkpoint found in storage
type Entry struct {
	Name  string
	Epoch int
}

// parseEpoch returns the epoch of a checkpoint name, or false if name was not produced by Name(prefix, epoch)
func parseEpoch(name, prefix string) (int, bool) {
	num, ok := strings.CutPrefix(name, prefix+"-")
	if !ok {
		return 0, false
	}
	num, ok = strings.CutSuffix(num, ".ckpt")
	if !ok || num == "" {
		return 0, false
	}
	for _, c := range num {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	epoch, err := strconv.Atoi(num)
	return epoch, err == nil
}

// List returns the checkpoints that match prefix, oldest epoch first
func List(store storage.Storage, prefix string) ([]Entry, error) {
	files, err := store.List(prefix)
	if err != nil {
		return nil, err
	}
	entries := []Entry{}
	for _, f := range files {
		if epoch, ok := parseEpoch(f.Name, prefix); ok {
			entries = append(entries, Entry{Name: f.Name, Epoch: epoch})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Epoch < entries[j].Epoch
	})
	return entries, nil
}

// Latest returns the checkpoint with the highest epoch, or false if there are none
func Latest(store storage.Storage, prefix string) (Entry, bool, error) {
	entries, err := List(store, prefix)
	if err != nil || len(entries) == 0 {
		return Entry{}, false, err
	}
	return entries[len(entries)-1], true, nil
}

// Retain deletes old checkpoints, and returns the names of the deleted files.
// The checkpoint named 'current' (the one that was just saved) is always kept, along with
// the newest keep-1 others, and any checkpoint named in 'pinned'.
// keep <= 0 keeps everything.
func Retain(log logs.Log, store storage.Storage, prefix string, keep int, current string, pinned ...string) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	entries, err := List(store, prefix)
	if err != nil {
		return nil, err
	}
	keepNames := map[string]bool{current: true}
	for _, p := range pinned {
		keepNames[p] = true
	}
	others := 0
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Name == current {
			continue
		}
		if others < keep-1 {
			keepNames[entries[i].Name] = true
		}
		others++
	}

	deleted := []string{}
	for _, e := range entries {
		if keepNames[e.Name] {
			continue
		}
		log.Infof("Deleting old checkpoint %v", e.Name)
		if err := store.DeleteFile(e.Name); err != nil {
			return deleted, err
		}
		deleted = append(deleted, e.Name)
	}
	return deleted, nil
}

func writeFloats(zw *zip.Writer, name string, data []float32) error {
	w, err := zw.Create(name)
	if err != nil {
		return err
	}
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	_, err = w.Write(buf)
	return err
}

func readFloats(f *zip.File) ([]float32, error) {
	r, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("Entry %v has %v bytes, which is not a multiple of 4", f.Name, len(buf))
	}
	data := make([]float32, len(buf)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return data, nil
}

func readJSON(f *zip.File, v any) error {
	r, err := f.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	return json.NewDecoder(r).Decode(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

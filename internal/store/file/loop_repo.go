// Package file serves control loop configuration from a YAML document. It is
// meant for single-site installations and commissioning, where the loops are
// kept under version control instead of in the configuration database.
package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/mhdr/Monitoring2025-sub014/internal/domain/model"
	"github.com/mhdr/Monitoring2025-sub014/internal/store"
	"gopkg.in/yaml.v3"
)

// Document is the on-disk layout:
//
//	loops:
//	  - id: 1
//	    name: TIC-101
//	    input: point:101
//	    set_point: gvar:7
//	    output: point:102
//	    gains: {kp: 1.2, ki: 0.1, kd: 0}
//	    output_min: 0
//	    output_max: 100
//	    interval: 1s
type Document struct {
	Loops []LoopDoc `yaml:"loops"`
}

type LoopDoc struct {
	ID               int64         `yaml:"id"`
	Name             string        `yaml:"name,omitempty"`
	Input            string        `yaml:"input"`
	SetPoint         string        `yaml:"set_point,omitempty"`
	Output           string        `yaml:"output"`
	ManualValue      string        `yaml:"manual_value,omitempty"`
	AutoSwitch       string        `yaml:"auto_switch,omitempty"`
	ReverseFlag      string        `yaml:"reverse_flag,omitempty"`
	DigitalOutput    string        `yaml:"digital_output,omitempty"`
	Gains            model.Gains   `yaml:"gains"`
	OutputMin        float64       `yaml:"output_min"`
	OutputMax        float64       `yaml:"output_max"`
	DeadZone         float64       `yaml:"dead_zone,omitempty"`
	DerivativeFilter *float64      `yaml:"derivative_filter,omitempty"`
	MaxSlewRate      float64       `yaml:"max_slew_rate,omitempty"`
	HysteresisHigh   *float64      `yaml:"hysteresis_high,omitempty"`
	HysteresisLow    *float64      `yaml:"hysteresis_low,omitempty"`
	CascadeLevel     int           `yaml:"cascade_level,omitempty"`
	ParentID         *int64        `yaml:"parent_id,omitempty"`
	Enabled          *bool         `yaml:"enabled,omitempty"`
	Interval         time.Duration `yaml:"interval"`
	MaxInputAge      time.Duration `yaml:"max_input_age,omitempty"`
}

// LoopRepo reads the document on every List. The file carries no versions;
// the repository assigns one per loop and bumps it whenever the loop's
// entry changes between reads.
type LoopRepo struct {
	path string

	mu       sync.Mutex
	versions map[int64]entryVersion
	modTime  time.Time
}

type entryVersion struct {
	fingerprint string
	version     int64
	at          time.Time
}

func NewLoopRepo(path string) *LoopRepo {
	return &LoopRepo{path: path, versions: make(map[int64]entryVersion)}
}

func (r *LoopRepo) List(_ context.Context) ([]model.ControlLoop, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked()
}

func (r *LoopRepo) listLocked() ([]model.ControlLoop, error) {
	raw, err := os.ReadFile(r.path)
	if err != nil {
		return nil, fmt.Errorf("read loop config %s: %w", r.path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse loop config %s: %w", r.path, err)
	}
	if info, err := os.Stat(r.path); err == nil {
		r.modTime = info.ModTime()
	}

	seen := make(map[int64]bool, len(doc.Loops))
	loops := make([]model.ControlLoop, 0, len(doc.Loops))
	for _, d := range doc.Loops {
		if seen[d.ID] {
			return nil, fmt.Errorf("parse loop config %s: duplicate loop id %d", r.path, d.ID)
		}
		seen[d.ID] = true

		l := d.toModel()
		l.Version, l.UpdatedAt, err = r.versionOf(d)
		if err != nil {
			return nil, fmt.Errorf("fingerprint loop %d in %s: %w", d.ID, r.path, err)
		}
		loops = append(loops, l)
	}
	for id := range r.versions {
		if !seen[id] {
			delete(r.versions, id)
		}
	}
	return loops, nil
}

// marshalEntry produces the fingerprint of one loop entry.
var marshalEntry = yaml.Marshal

func (r *LoopRepo) versionOf(d LoopDoc) (int64, time.Time, error) {
	fp, err := marshalEntry(d)
	if err != nil {
		return 0, time.Time{}, err
	}
	prev, ok := r.versions[d.ID]
	if ok && prev.fingerprint == string(fp) {
		return prev.version, prev.at, nil
	}
	next := entryVersion{fingerprint: string(fp), version: prev.version + 1, at: r.modTime}
	r.versions[d.ID] = next
	return next.version, next.at, nil
}

// UpdateGains edits the gains of one loop in place, keeping the rest of the
// document (comments included) as written, and replaces the file atomically.
func (r *LoopRepo) UpdateGains(_ context.Context, loopID int64, gains model.Gains) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := os.ReadFile(r.path)
	if err != nil {
		return 0, fmt.Errorf("read loop config %s: %w", r.path, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(raw, &root); err != nil {
		return 0, fmt.Errorf("parse loop config %s: %w", r.path, err)
	}

	entry := findLoopNode(&root, loopID)
	if entry == nil {
		return 0, fmt.Errorf("update gains of loop %d: %w", loopID, store.ErrLoopNotFound)
	}
	gainsNode := mappingValue(entry, "gains")
	if gainsNode == nil || gainsNode.Kind != yaml.MappingNode {
		gainsNode = &yaml.Node{Kind: yaml.MappingNode}
		setMappingValue(entry, "gains", gainsNode)
	}
	setMappingValue(gainsNode, "kp", floatNode(gains.Kp))
	setMappingValue(gainsNode, "ki", floatNode(gains.Ki))
	setMappingValue(gainsNode, "kd", floatNode(gains.Kd))

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&root); err != nil {
		return 0, fmt.Errorf("encode loop config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return 0, fmt.Errorf("encode loop config: %w", err)
	}
	if err := writeAtomic(r.path, buf.Bytes()); err != nil {
		return 0, fmt.Errorf("write loop config %s: %w", r.path, err)
	}

	loops, err := r.listLocked()
	if err != nil {
		return 0, err
	}
	for _, l := range loops {
		if l.ID == loopID {
			return l.Version, nil
		}
	}
	return 0, fmt.Errorf("update gains of loop %d: %w", loopID, store.ErrLoopNotFound)
}

func findLoopNode(root *yaml.Node, loopID int64) *yaml.Node {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil
	}
	seq := mappingValue(root.Content[0], "loops")
	if seq == nil || seq.Kind != yaml.SequenceNode {
		return nil
	}
	for _, item := range seq.Content {
		idNode := mappingValue(item, "id")
		if idNode == nil {
			continue
		}
		if id, err := strconv.ParseInt(idNode.Value, 10, 64); err == nil && id == loopID {
			return item
		}
	}
	return nil
}

func mappingValue(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

func setMappingValue(m *yaml.Node, key string, value *yaml.Node) {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			value.HeadComment = m.Content[i+1].HeadComment
			value.LineComment = m.Content[i+1].LineComment
			m.Content[i+1] = value
			return
		}
	}
	m.Content = append(m.Content,
		&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key},
		value,
	)
}

func floatNode(v float64) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!float", Value: strconv.FormatFloat(v, 'g', -1, 64)}
}

// writeAtomic replaces path through a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (d LoopDoc) toModel() model.ControlLoop {
	l := model.ControlLoop{
		ID:               d.ID,
		Name:             d.Name,
		Input:            parseRef(d.Input),
		Output:           parseRef(d.Output),
		SetPoint:         optionalRef(d.SetPoint),
		ManualValue:      optionalRef(d.ManualValue),
		AutoSwitch:       optionalRef(d.AutoSwitch),
		ReverseFlag:      optionalRef(d.ReverseFlag),
		DigitalOutput:    optionalRef(d.DigitalOutput),
		Gains:            d.Gains,
		OutputMin:        d.OutputMin,
		OutputMax:        d.OutputMax,
		DeadZone:         d.DeadZone,
		DerivativeFilter: 1,
		MaxSlewRate:      d.MaxSlewRate,
		HysteresisHigh:   d.HysteresisHigh,
		HysteresisLow:    d.HysteresisLow,
		CascadeLevel:     d.CascadeLevel,
		ParentID:         d.ParentID,
		Enabled:          true,
		Interval:         d.Interval,
		MaxInputAge:      d.MaxInputAge,
	}
	if d.DerivativeFilter != nil {
		l.DerivativeFilter = *d.DerivativeFilter
	}
	if d.Enabled != nil {
		l.Enabled = *d.Enabled
	}
	return l
}

// parseRef returns the zero Reference for malformed input so the loop fails
// validation with a clear message instead of aborting the whole load.
func parseRef(s string) model.Reference {
	ref, _ := model.ParseReference(s)
	return ref
}

func optionalRef(s string) *model.Reference {
	if s == "" {
		return nil
	}
	ref := parseRef(s)
	return &ref
}

var _ store.LoopRepository = (*LoopRepo)(nil)

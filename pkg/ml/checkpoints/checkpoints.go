// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and loads the parameters of a model, along with the settings used to train it.
//
// Each checkpoint is a pair of files in the checkpoint directory: "<name>.json" holds the metadata (run id, epoch,
// time, settings and an index of the variables) and "<name>.bin" holds the raw values of the variables.
//
// Example:
//
//	handler := checkpoints.Build("~/runs/fixed_threshold").
//		WithCompression(checkpoints.BinGZIP).
//		WithSettings(settings).
//		KeepPeriodic(3).
//		MustDone()
//	loop.WithCheckpointer(handler)
//
// A Handler satisfies train.Checkpointer.
package checkpoints

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/komfkore/AdThMix/internal/fsutil"
	"github.com/komfkore/AdThMix/pkg/ml/models"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"
)

// DirPermMode is the default directory creation permission (before umask) used.
var DirPermMode = os.FileMode(0770)

// ErrUnsupportedCompression is returned when reading a binary file whose header names an unknown compression.
var ErrUnsupportedCompression = errors.New("unsupported compression")

const (
	// JsonNameSuffix is the suffix of the metadata file of a checkpoint.
	JsonNameSuffix = ".json"

	// BinDataSuffix is the suffix of the file holding the values of the variables.
	BinDataSuffix = ".bin"

	// DTypeFloat64 and DTypeFloat16 are the encodings of the values in the binary file.
	DTypeFloat64 = "float64"
	DTypeFloat16 = "float16"
)

// BinFormat is the format of the binary file with the values of the variables.
type BinFormat int

const (
	BinGZIP BinFormat = iota
	BinUncompressed
)

func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return fmt.Sprintf("BinFormat(%d)", int(bf))
	}
}

// Config for the checkpoints Handler, created with Build.
// Call Done when finished configuring.
type Config struct {
	err error

	dir           string
	mustExist     bool
	binFormat     BinFormat
	halfPrecision bool
	keepPeriodic  int
	settings      map[string]any
}

// Build a configuration for a checkpoints Handler storing its files in dir.
// A leading "~" in dir is replaced by the user's home directory, and the directory is created if missing.
func Build(dir string) *Config {
	c := &Config{dir: dir, keepPeriodic: -1}
	if dir == "" {
		c.err = errors.New("checkpoints.Build() requires a non-empty directory")
	}
	return c
}

// MustExist makes Done fail if the directory doesn't exist yet. Used for read-only access to previous runs.
func (c *Config) MustExist() *Config {
	c.mustExist = true
	return c
}

// WithCompression sets the format of the binary files. Default is BinGZIP.
func (c *Config) WithCompression(bf BinFormat) *Config {
	if bf != BinGZIP && bf != BinUncompressed {
		c.err = errors.Wrapf(ErrUnsupportedCompression, "WithCompression(%s)", bf)
	}
	c.binFormat = bf
	return c
}

// HalfPrecision stores the values as float16, halving (or more) the size of the checkpoints at the cost of precision.
// Loading converts them back to float64.
func (c *Config) HalfPrecision(enabled bool) *Config {
	c.halfPrecision = enabled
	return c
}

// WithSettings sets the settings (hyperparameters) stored in the metadata of every saved checkpoint.
// Values must be JSON serializable.
func (c *Config) WithSettings(settings map[string]any) *Config {
	c.settings = settings
	return c
}

// KeepPeriodic configures the Handler to keep only the last n periodic checkpoints, those named "<prefix>_e<epoch>".
// A negative value (default) keeps all of them. Other checkpoints (like "<prefix>_best") are never removed.
func (c *Config) KeepPeriodic(n int) *Config {
	c.keepPeriodic = n
	return c
}

// Done creates the Handler with the current configuration.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	dir, err := fsutil.PrepareDir(c.dir, DirPermMode, c.mustExist)
	if err != nil {
		return nil, errors.WithMessage(err, "checkpoints.Build()")
	}
	return &Handler{config: *c, dir: dir, runID: uuid.New()}, nil
}

// MustDone is like Done, but panics on error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(err)
	}
	return h
}

// Handler saves and loads checkpoints in one directory.
// It is created with Build(dir)...Done().
type Handler struct {
	config Config
	dir    string
	runID  uuid.UUID
}

// Dir returns the directory where the checkpoints are stored.
func (h *Handler) Dir() string { return h.dir }

// RunID identifies the Handler: it is stored in every checkpoint it saves.
func (h *Handler) RunID() uuid.UUID { return h.runID }

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q, %s, run=%s)", h.dir, h.config.binFormat, h.runID)
}

// SetSettings replaces the settings stored in the checkpoints saved from now on.
func (h *Handler) SetSettings(settings map[string]any) {
	h.config.settings = settings
}

// Metadata of a checkpoint, saved in the JSON file.
type Metadata struct {
	RunID     string            `json:"run_id"`
	Name      string            `json:"name"`
	Epoch     int               `json:"epoch"`
	Time      time.Time         `json:"time"`
	BinFormat string            `json:"bin_format"`
	Settings  []SerializedParam `json:"settings,omitempty"`
	Variables []SerializedVar   `json:"variables"`
}

// SerializedParam is one setting with its value type, so it can be restored to its original Go type.
type SerializedParam struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	ValueType string `json:"value_type"`
}

// SerializedVar indexes one variable in the binary file. Pos and Length are in bytes.
type SerializedVar struct {
	Name       string `json:"name"`
	Dimensions []int  `json:"dimensions"`
	DType      string `json:"dtype"`
	Pos        int    `json:"pos"`
	Length     int    `json:"length"`
}

// Size returns the number of values of the variable.
func (v SerializedVar) Size() int {
	size := 1
	for _, dim := range v.Dimensions {
		size *= dim
	}
	return size
}

// Checkpoint holds the contents of a checkpoint read from disk.
type Checkpoint struct {
	Metadata
	Values map[string]*mat.Dense
}

var validName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func checkName(name string) error {
	if !validName.MatchString(name) || strings.HasPrefix(name, ".") {
		return errors.Errorf("invalid checkpoint name %q: only letters, digits, '_', '-' and '.' are allowed", name)
	}
	return nil
}

// Save the parameters under the given name, overwriting any previous checkpoint with the same name.
// Both files are written to temporary names first and then renamed, so a failing Save never leaves a partial
// checkpoint behind.
func (h *Handler) Save(name string, epoch int, params []*models.Param) error {
	if err := checkName(name); err != nil {
		return err
	}
	metadata := &Metadata{
		RunID:     h.runID.String(),
		Name:      name,
		Epoch:     epoch,
		Time:      time.Now(),
		BinFormat: h.config.binFormat.String(),
		Settings:  serializeSettings(h.config.settings),
	}
	binPath := path.Join(h.dir, name+BinDataSuffix)
	jsonPath := path.Join(h.dir, name+JsonNameSuffix)
	tmpBin, tmpJson := binPath+".tmp", jsonPath+".tmp"

	var err error
	metadata.Variables, err = h.saveVariables(tmpBin, params)
	if err != nil {
		_ = os.Remove(tmpBin)
		return errors.WithMessagef(err, "saving checkpoint %q", name)
	}
	if err = saveMetadata(tmpJson, metadata); err != nil {
		_ = os.Remove(tmpBin)
		_ = os.Remove(tmpJson)
		return errors.WithMessagef(err, "saving checkpoint %q", name)
	}
	if err = os.Rename(tmpBin, binPath); err != nil {
		return errors.Wrapf(err, "renaming %q", tmpBin)
	}
	if err = os.Rename(tmpJson, jsonPath); err != nil {
		return errors.Wrapf(err, "renaming %q", tmpJson)
	}
	klog.V(1).Infof("saved checkpoint %q (epoch %d, %d variables) to %q", name, epoch, len(params), h.dir)
	return h.keepPeriodic(name)
}

func (h *Handler) saveVariables(filePath string, params []*models.Param) ([]SerializedVar, error) {
	f, err := os.Create(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "creating %q", filePath)
	}
	w, err := newVarsWriter(f, h.config.binFormat)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	dtype := DTypeFloat64
	if h.config.halfPrecision {
		dtype = DTypeFloat16
	}
	vars := make([]SerializedVar, 0, len(params))
	seen := make(map[string]bool, len(params))
	pos := 0
	for _, p := range params {
		if seen[p.Name] {
			_ = f.Close()
			return nil, errors.Errorf("duplicate variable name %q", p.Name)
		}
		seen[p.Name] = true
		rows, cols := p.Value.Dims()
		buf := encodeValues(p.Value, h.config.halfPrecision)
		if _, err = w.Write(buf); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "writing variable %q", p.Name)
		}
		vars = append(vars, SerializedVar{
			Name:       p.Name,
			Dimensions: []int{rows, cols},
			DType:      dtype,
			Pos:        pos,
			Length:     len(buf),
		})
		pos += len(buf)
	}
	if err = w.Close(); err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "flushing %q", filePath)
	}
	if err = f.Close(); err != nil {
		return nil, errors.Wrapf(err, "closing %q", filePath)
	}
	return vars, nil
}

func saveMetadata(filePath string, metadata *Metadata) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "creating %q", filePath)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err = enc.Encode(metadata); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "encoding metadata to %q", filePath)
	}
	return errors.Wrapf(f.Close(), "closing %q", filePath)
}

func encodeValues(m *mat.Dense, halfPrecision bool) []byte {
	rows, cols := m.Dims()
	width := 8
	if halfPrecision {
		width = 2
	}
	buf := make([]byte, 0, rows*cols*width)
	for ii := range rows {
		for _, v := range m.RawRowView(ii) {
			if halfPrecision {
				buf = binary.LittleEndian.AppendUint16(buf, float16.Fromfloat32(float32(v)).Bits())
			} else {
				buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
			}
		}
	}
	return buf
}

func decodeValues(v SerializedVar, buf []byte) (*mat.Dense, error) {
	if len(v.Dimensions) != 2 {
		return nil, errors.Errorf("variable %q has %d dimensions, only matrices are supported", v.Name, len(v.Dimensions))
	}
	size := v.Size()
	if size == 0 {
		return nil, errors.Errorf("variable %q is empty", v.Name)
	}
	data := make([]float64, size)
	switch v.DType {
	case DTypeFloat64:
		if len(buf) != 8*size {
			return nil, errors.Errorf("variable %q has %d bytes, expected %d", v.Name, len(buf), 8*size)
		}
		for ii := range data {
			data[ii] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*ii:]))
		}
	case DTypeFloat16:
		if len(buf) != 2*size {
			return nil, errors.Errorf("variable %q has %d bytes, expected %d", v.Name, len(buf), 2*size)
		}
		for ii := range data {
			data[ii] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf[2*ii:])).Float32())
		}
	default:
		return nil, errors.Errorf("variable %q has unknown dtype %q", v.Name, v.DType)
	}
	return mat.NewDense(v.Dimensions[0], v.Dimensions[1], data), nil
}

// Read the checkpoint with the given name.
func (h *Handler) Read(name string) (*Checkpoint, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	metadata, err := h.ReadMetadata(name)
	if err != nil {
		return nil, err
	}
	binPath := path.Join(h.dir, name+BinDataSuffix)
	f, err := os.Open(binPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", binPath)
	}
	defer func() { _ = f.Close() }()
	r, err := newVarsReader(bufio.NewReader(f))
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", binPath)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", binPath)
	}
	checkpoint := &Checkpoint{Metadata: *metadata, Values: make(map[string]*mat.Dense, len(metadata.Variables))}
	for _, v := range metadata.Variables {
		if v.Pos < 0 || v.Pos+v.Length > len(data) {
			return nil, errors.Errorf("variable %q at [%d, %d) is out of the bounds of %q (%d bytes)",
				v.Name, v.Pos, v.Pos+v.Length, binPath, len(data))
		}
		value, err := decodeValues(v, data[v.Pos:v.Pos+v.Length])
		if err != nil {
			return nil, errors.WithMessagef(err, "checkpoint %q", name)
		}
		checkpoint.Values[v.Name] = value
	}
	return checkpoint, nil
}

// ReadMetadata reads only the JSON metadata of the checkpoint with the given name.
func (h *Handler) ReadMetadata(name string) (*Metadata, error) {
	jsonPath := path.Join(h.dir, name+JsonNameSuffix)
	f, err := os.Open(jsonPath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", jsonPath)
	}
	defer func() { _ = f.Close() }()
	metadata := &Metadata{}
	dec := json.NewDecoder(f)
	if err = dec.Decode(metadata); err != nil {
		return nil, errors.Wrapf(err, "decoding %q", jsonPath)
	}
	for ii := range metadata.Settings {
		metadata.Settings[ii].Value = jsonDecodeTypeConvert(metadata.Settings[ii].ValueType, metadata.Settings[ii].Value)
	}
	return metadata, nil
}

// Load the values of the checkpoint into params. Every parameter must be present in the checkpoint with the same
// shape; extra variables in the checkpoint are logged and ignored.
func (h *Handler) Load(name string, params []*models.Param) (*Metadata, error) {
	checkpoint, err := h.Read(name)
	if err != nil {
		return nil, err
	}
	used := make(map[string]bool, len(params))
	for _, p := range params {
		value, found := checkpoint.Values[p.Name]
		if !found {
			return nil, errors.Errorf("checkpoint %q has no variable %q", name, p.Name)
		}
		rows, cols := p.Value.Dims()
		vRows, vCols := value.Dims()
		if rows != vRows || cols != vCols {
			return nil, errors.Errorf("checkpoint %q variable %q has shape [%d, %d], model expects [%d, %d]",
				name, p.Name, vRows, vCols, rows, cols)
		}
		used[p.Name] = true
	}
	for _, p := range params {
		p.Value.Copy(checkpoint.Values[p.Name])
	}
	for varName := range checkpoint.Values {
		if !used[varName] {
			klog.Warningf("checkpoint %q variable %q not used by the model", name, varName)
		}
	}
	return &checkpoint.Metadata, nil
}

// List returns the names of the checkpoints in the directory, sorted.
// Only checkpoints with both files present are listed.
func (h *Handler) List() ([]string, error) {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %q", h.dir)
	}
	files := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			files[entry.Name()] = true
		}
	}
	var names []string
	for fileName := range files {
		name, found := strings.CutSuffix(fileName, JsonNameSuffix)
		if found && files[name+BinDataSuffix] && checkName(name) == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Remove the files of the checkpoint with the given name.
func (h *Handler) Remove(name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
		filePath := path.Join(h.dir, name+suffix)
		if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "removing %q", filePath)
		}
	}
	return nil
}

var periodicName = regexp.MustCompile(`^(.*)_e(\d+)$`)

// PeriodicEpoch parses a periodic checkpoint name "<prefix>_e<epoch>". It returns ok=false for other names.
func PeriodicEpoch(name string) (prefix string, epoch int, ok bool) {
	matches := periodicName.FindStringSubmatch(name)
	if matches == nil {
		return "", 0, false
	}
	epoch, err := strconv.Atoi(matches[2])
	if err != nil {
		return "", 0, false
	}
	return matches[1], epoch, true
}

// keepPeriodic removes the oldest periodic checkpoints sharing the prefix of the one just saved.
func (h *Handler) keepPeriodic(saved string) error {
	if h.config.keepPeriodic < 0 {
		return nil
	}
	prefix, _, ok := PeriodicEpoch(saved)
	if !ok {
		return nil
	}
	names, err := h.List()
	if err != nil {
		return err
	}
	type periodic struct {
		name  string
		epoch int
	}
	var found []periodic
	for _, name := range names {
		if p, epoch, ok := PeriodicEpoch(name); ok && p == prefix {
			found = append(found, periodic{name, epoch})
		}
	}
	slices.SortFunc(found, func(a, b periodic) int { return a.epoch - b.epoch })
	for len(found) > h.config.keepPeriodic {
		klog.V(1).Infof("removing checkpoint %q", found[0].name)
		if err := h.Remove(found[0].name); err != nil {
			return err
		}
		found = found[1:]
	}
	return nil
}

func serializeSettings(settings map[string]any) []SerializedParam {
	if len(settings) == 0 {
		return nil
	}
	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	params := make([]SerializedParam, 0, len(keys))
	for _, key := range keys {
		value := settings[key]
		params = append(params, SerializedParam{Key: key, Value: value, ValueType: fmt.Sprintf("%T", value)})
	}
	return params
}

// jsonDecodeTypeConvert converts a value decoded from JSON back to the Go type it was saved from.
// JSON numbers are always decoded as float64.
func jsonDecodeTypeConvert(valueType string, value any) any {
	f, isFloat := value.(float64)
	if !isFloat {
		return value
	}
	switch valueType {
	case "int":
		return int(f)
	case "int64":
		return int64(f)
	case "uint64":
		return uint64(f)
	case "float32":
		return float32(f)
	default:
		return value
	}
}

// SettingsMap returns the settings of the checkpoint as a map.
func (m *Metadata) SettingsMap() map[string]any {
	settings := make(map[string]any, len(m.Settings))
	for _, p := range m.Settings {
		settings[p.Key] = p.Value
	}
	return settings
}

// Binary format header:
//
//	| 0              14 | 15  | 16   15+len |
//	| "adthmix_weights" | len | "gzip"      |
//
// Uncompressed files have no header.
const (
	binHeader     = "adthmix_weights"
	lenBinHeader  = len(binHeader)
	gzipHeader    = "gzip"
	lenGzipHeader = uint8(len(gzipHeader))
)

// newVarsWriter writes the header for the format and returns the writer of the values.
// Closing the returned writer flushes it, but doesn't close f.
func newVarsWriter(f io.Writer, bf BinFormat) (io.WriteCloser, error) {
	if bf == BinUncompressed {
		return nopWriteCloser{f}, nil
	}
	var h []byte
	h = append(h, []byte(binHeader)...)
	h = append(h, lenGzipHeader)
	h = append(h, []byte(gzipHeader)...)
	if _, err := f.Write(h); err != nil {
		return nil, errors.Wrap(err, "write header")
	}
	return gzip.NewWriter(f), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// newVarsReader returns a reader of the decompressed values, checking the header.
func newVarsReader(r *bufio.Reader) (io.Reader, error) {
	header, err := r.Peek(lenBinHeader)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read header")
	}
	if !bytes.Equal(header, []byte(binHeader)) {
		return r, nil
	}
	_, _ = r.Discard(lenBinHeader)
	compressionLen, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	compression := make([]byte, compressionLen)
	if _, err = io.ReadFull(r, compression); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(compression) != gzipHeader {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "compression %q", compression)
	}
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, errors.Wrap(err, "read gzip header")
	}
	return gz, nil
}

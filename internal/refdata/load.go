package refdata

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed data/*.yaml
var dataFS embed.FS

// ErrInvalidData is returned when a reference data file fails validation.
var ErrInvalidData = errors.New("invalid reference data")

type codeRecord struct {
	Description string   `yaml:"description"`
	Severity    string   `yaml:"severity"`
	Causes      []string `yaml:"causes"`
	Fixes       []string `yaml:"fixes"`
}

type complaintRecord struct {
	Localized string `yaml:"localized"`
	Reference string `yaml:"reference"`
	Remedy    string `yaml:"remedy"`
}

// LoadDefault loads the tables bundled with the binary.
func LoadDefault() (*Store, error) {
	codes, err := dataFS.ReadFile("data/codes.yaml")
	if err != nil {
		return nil, fmt.Errorf("reading bundled codes: %w", err)
	}
	complaints, err := dataFS.ReadFile("data/complaints.yaml")
	if err != nil {
		return nil, fmt.Errorf("reading bundled complaints: %w", err)
	}
	return Load(bytes.NewReader(codes), bytes.NewReader(complaints))
}

// LoadFiles loads the tables from disk. An empty path falls back to the
// bundled table for that file.
func LoadFiles(codesPath, complaintsPath string) (*Store, error) {
	codes, err := readOrBundled(codesPath, "data/codes.yaml")
	if err != nil {
		return nil, err
	}
	complaints, err := readOrBundled(complaintsPath, "data/complaints.yaml")
	if err != nil {
		return nil, err
	}
	return Load(bytes.NewReader(codes), bytes.NewReader(complaints))
}

func readOrBundled(path, bundled string) ([]byte, error) {
	if path == "" {
		data, err := dataFS.ReadFile(bundled)
		if err != nil {
			return nil, fmt.Errorf("reading bundled %s: %w", bundled, err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Load decodes and validates a code table and a complaint table.
func Load(codes, complaints io.Reader) (*Store, error) {
	var rawCodes map[string]codeRecord
	if err := yaml.NewDecoder(codes).Decode(&rawCodes); err != nil {
		return nil, fmt.Errorf("decoding code table: %w", err)
	}
	if len(rawCodes) == 0 {
		return nil, fmt.Errorf("%w: code table is empty", ErrInvalidData)
	}

	s := &Store{codes: make(map[string]CodeEntry, len(rawCodes))}
	for key, rec := range rawCodes {
		code := NormalizeCode(key)
		if !codePattern.MatchString(code) {
			return nil, fmt.Errorf("%w: malformed code %q", ErrInvalidData, key)
		}
		if code != key {
			return nil, fmt.Errorf("%w: code %q is not normalized (want %q)", ErrInvalidData, key, code)
		}
		if _, dup := s.codes[code]; dup {
			return nil, fmt.Errorf("%w: duplicate code %q", ErrInvalidData, code)
		}
		sev, ok := ParseSeverity(rec.Severity)
		if !ok {
			return nil, fmt.Errorf("%w: code %s has unknown severity %q", ErrInvalidData, code, rec.Severity)
		}
		if rec.Description == "" {
			return nil, fmt.Errorf("%w: code %s has no description", ErrInvalidData, code)
		}
		s.codes[code] = CodeEntry{
			Code:        code,
			Description: rec.Description,
			Severity:    sev,
			Causes:      rec.Causes,
			Fixes:       rec.Fixes,
		}
		s.order = append(s.order, code)
	}
	sort.Strings(s.order)

	var rawComplaints []complaintRecord
	if err := yaml.NewDecoder(complaints).Decode(&rawComplaints); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding complaint table: %w", err)
	}
	for i, rec := range rawComplaints {
		ref := NormalizeText(rec.Reference)
		if ref == "" {
			return nil, fmt.Errorf("%w: complaint %d has no reference phrase", ErrInvalidData, i)
		}
		s.complaints = append(s.complaints, Complaint{
			Localized: NormalizeText(rec.Localized),
			Reference: ref,
			Remedy:    rec.Remedy,
		})
	}

	return s, nil
}

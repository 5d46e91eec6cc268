package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"

	"github.com/openfroyo/instanced/pkg/engine"
)

// ValidationError is one problem found in a catalog.
type ValidationError struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Path    string `json:"path,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		fmt.Fprintf(&b, "%s:%d:%d: ", e.File, e.Line, e.Column)
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// Catalog is the parsed service profile catalog.
type Catalog struct {
	Profiles    []*engine.ServiceProfile
	SourceFiles []string
	ParsedAt    time.Time
	Errors      []ValidationError
}

// Err returns an error listing every validation error, or nil.
func (c *Catalog) Err() error {
	if len(c.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(c.Errors))
	for i, e := range c.Errors {
		msgs[i] = e.String()
	}
	return engine.NewValidationError("profiles", strings.Join(msgs, "; "))
}

// catalogProfile is the decoded form of a #Profile.
type catalogProfile struct {
	Name        string            `json:"name"`
	Image       string            `json:"image"`
	MemoryMiB   int               `json:"memory_mib"`
	CPU         string            `json:"cpu"`
	Concurrency int               `json:"concurrency"`
	MaxScale    int               `json:"max_scale"`
	Port        int               `json:"port"`
	Region      string            `json:"region"`
	Env         map[string]string `json:"env"`
}

// CatalogParser parses CUE service profile catalogs.
type CatalogParser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewCatalogParser creates a parser with the built-in profile schema.
func NewCatalogParser() (*CatalogParser, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(profileSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile profile schema: %w", err)
	}
	return &CatalogParser{ctx: ctx, schema: schema}, nil
}

// LoadProfileCatalog parses the catalog at path, a .cue file or a directory
// holding one CUE package.
func LoadProfileCatalog(path string) (*Catalog, error) {
	p, err := NewCatalogParser()
	if err != nil {
		return nil, err
	}
	return p.Load(path)
}

// Load parses a catalog file or directory. Problems in the catalog are
// reported in Catalog.Errors; the error return is for unreadable input.
func (p *CatalogParser) Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog %s: %w", path, err)
	}

	if !info.IsDir() {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog: %w", err)
		}
		return p.parse(p.ctx.CompileBytes(content, cue.Filename(path)), []string{path}), nil
	}

	insts := load.Instances([]string{"."}, &load.Config{Dir: path})
	if len(insts) == 0 {
		return nil, fmt.Errorf("no CUE package found in %s", path)
	}
	inst := insts[0]
	if inst.Err != nil {
		return &Catalog{SourceFiles: []string{path}, ParsedAt: time.Now(), Errors: convertCUEErrors(inst.Err)}, nil
	}
	var files []string
	for _, f := range inst.Files {
		files = append(files, f.Filename)
	}
	return p.parse(p.ctx.BuildInstance(inst), files), nil
}

// Parse parses inline catalog content.
func (p *CatalogParser) Parse(name, content string) *Catalog {
	return p.parse(p.ctx.CompileString(content, cue.Filename(name)), []string{name})
}

func (p *CatalogParser) parse(val cue.Value, files []string) *Catalog {
	catalog := &Catalog{SourceFiles: files, ParsedAt: time.Now()}
	if err := val.Err(); err != nil {
		catalog.Errors = convertCUEErrors(err)
		return catalog
	}

	unified := p.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		catalog.Errors = convertCUEErrors(err)
		return catalog
	}

	profiles := unified.LookupPath(cue.ParsePath("profiles"))
	if !profiles.Exists() {
		return catalog
	}
	iter, err := profiles.Fields()
	if err != nil {
		catalog.Errors = convertCUEErrors(err)
		return catalog
	}
	for iter.Next() {
		path := "profiles." + iter.Selector().String()
		var cp catalogProfile
		if err := iter.Value().Decode(&cp); err != nil {
			catalog.Errors = append(catalog.Errors, ValidationError{Path: path, Message: err.Error()})
			continue
		}
		profile := &engine.ServiceProfile{
			Name:        cp.Name,
			Image:       cp.Image,
			MemoryMiB:   cp.MemoryMiB,
			CPU:         cp.CPU,
			Concurrency: cp.Concurrency,
			MaxScale:    cp.MaxScale,
			Port:        cp.Port,
			Region:      cp.Region,
			Env:         cp.Env,
		}
		if err := engine.Validate(profile); err != nil {
			catalog.Errors = append(catalog.Errors, ValidationError{Path: path, Message: err.Error()})
			continue
		}
		catalog.Profiles = append(catalog.Profiles, profile)
	}
	return catalog
}

// SyncProfiles saves every catalog profile as a global profile. Existing
// profiles of the same name are updated in place.
func SyncProfiles(ctx context.Context, store engine.ProfileStore, catalog *Catalog) (int, error) {
	if err := catalog.Err(); err != nil {
		return 0, err
	}
	for i, p := range catalog.Profiles {
		p.OwnerID = ""
		if err := store.SaveProfile(ctx, p); err != nil {
			return i, fmt.Errorf("failed to save profile %s: %w", p.Name, err)
		}
	}
	return len(catalog.Profiles), nil
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	return out
}

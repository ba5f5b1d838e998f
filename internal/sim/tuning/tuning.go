// Package tuning loads the engine configuration.
package tuning

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"chunkflow.ai/internal/logging"
	"chunkflow.ai/internal/persistence/blobstore"
	"chunkflow.ai/internal/sim/status"
	"chunkflow.ai/internal/sim/terrain"
)

//go:embed config.schema.json
var schemaJSON string

var ErrInvalid = errors.New("invalid config")

type Tuning struct {
	TickRateHz int `yaml:"tick_rate_hz" toml:"tick_rate_hz" json:"tick_rate_hz"`

	Levels    Levels           `yaml:"levels" toml:"levels" json:"levels"`
	Scheduler Scheduler        `yaml:"scheduler" toml:"scheduler" json:"scheduler"`
	Unload    Unload           `yaml:"unload" toml:"unload" json:"unload"`
	Autosave  Autosave         `yaml:"autosave" toml:"autosave" json:"autosave"`
	Storage   blobstore.Config `yaml:"storage" toml:"storage" json:"storage"`
	POI       POI              `yaml:"poi" toml:"poi" json:"poi"`
	Terrain   terrain.Config   `yaml:"terrain" toml:"terrain" json:"terrain"`
	Ops       Ops              `yaml:"ops" toml:"ops" json:"ops"`
	Logging   logging.Config   `yaml:"logging" toml:"logging" json:"logging"`
	Journal   Journal          `yaml:"journal" toml:"journal" json:"journal"`
	Sim       Sim              `yaml:"sim" toml:"sim" json:"sim"`
}

type Levels struct {
	MaxLevel int `yaml:"max_level" toml:"max_level" json:"max_level"`
}

type Scheduler struct {
	GenerationWorkers int `yaml:"generation_workers" toml:"generation_workers" json:"generation_workers"`
	LightWorkers      int `yaml:"light_workers" toml:"light_workers" json:"light_workers"`
	IOWorkers         int `yaml:"io_workers" toml:"io_workers" json:"io_workers"`
	// OwnerTasksPerTick bounds mailbox work run by one tick; 0 drains it.
	OwnerTasksPerTick int `yaml:"owner_tasks_per_tick" toml:"owner_tasks_per_tick" json:"owner_tasks_per_tick"`
}

type Unload struct {
	DrainPerTick     int   `yaml:"drain_per_tick" toml:"drain_per_tick" json:"drain_per_tick"`
	HighWater        int   `yaml:"high_water" toml:"high_water" json:"high_water"`
	Overflow         int   `yaml:"overflow" toml:"overflow" json:"overflow"`
	DelayUnloadTicks int64 `yaml:"delay_unload_ticks" toml:"delay_unload_ticks" json:"delay_unload_ticks"`
}

type Autosave struct {
	PeriodTicks   int64 `yaml:"period_ticks" toml:"period_ticks" json:"period_ticks"`
	PerTickBudget int   `yaml:"per_tick_budget" toml:"per_tick_budget" json:"per_tick_budget"`
}

type POI struct {
	Path             string `yaml:"path" toml:"path" json:"path"`
	UnloadDelayTicks int64  `yaml:"unload_delay_ticks" toml:"unload_delay_ticks" json:"unload_delay_ticks"`
}

type Ops struct {
	Listen string `yaml:"listen" toml:"listen" json:"listen"`
}

type Journal struct {
	Dir string `yaml:"dir" toml:"dir" json:"dir"`
}

// Sim configures the random-walk viewers chunkd uses to put load on the engine.
type Sim struct {
	Viewers        int `yaml:"viewers" toml:"viewers" json:"viewers"`
	ViewerRadius   int `yaml:"viewer_radius" toml:"viewer_radius" json:"viewer_radius"`
	WalkEveryTicks int `yaml:"walk_every_ticks" toml:"walk_every_ticks" json:"walk_every_ticks"`
	Spread         int `yaml:"spread" toml:"spread" json:"spread"`
}

func Defaults() Tuning {
	return Tuning{
		TickRateHz: 20,
		Levels:     Levels{MaxLevel: 33},
		Scheduler: Scheduler{
			GenerationWorkers: 4,
			LightWorkers:      1,
			IOWorkers:         2,
			OwnerTasksPerTick: 0,
		},
		Unload: Unload{
			DrainPerTick:     200,
			HighWater:        2000,
			Overflow:         200,
			DelayUnloadTicks: 300,
		},
		Autosave: Autosave{PeriodTicks: 6000, PerTickBudget: 20},
		Storage: blobstore.Config{
			Backend:          "file",
			Dir:              "data/tiles",
			SQLitePath:       "data/tiles.sqlite",
			PostgresMaxConns: 8,
			CacheMaxBytes:    64 << 20,
			ObjectPrefix:     "tiles",
		},
		POI:     POI{Path: "data/poi.sqlite", UnloadDelayTicks: 100},
		Terrain: terrain.DefaultConfig(),
		Ops:     Ops{Listen: "127.0.0.1:8090"},
		Logging: logging.Config{Level: "info", Format: "console"},
		Journal: Journal{Dir: "data/journal"},
		Sim:     Sim{Viewers: 0, ViewerRadius: 4, WalkEveryTicks: 10, Spread: 64},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
// Files ending in .toml are TOML, anything else is YAML.
func Load(path string) (Tuning, error) {
	t := Defaults()
	if strings.TrimSpace(path) == "" {
		t.Normalize()
		return t, t.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	name := filepath.Base(path)
	if err := Decode(raw, strings.EqualFold(filepath.Ext(path), ".toml"), &t); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	t.Normalize()
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("%s: %w", name, err)
	}
	return t, nil
}

// Decode checks raw against the config schema and decodes it into t.
func Decode(raw []byte, isTOML bool, t *Tuning) error {
	var doc map[string]any
	if isTOML {
		if err := toml.Unmarshal(raw, &doc); err != nil {
			return err
		}
	} else if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := validateSchema(doc); err != nil {
		return err
	}
	if isTOML {
		_, err := toml.NewDecoder(bytes.NewReader(raw)).Decode(t)
		return err
	}
	return yaml.Unmarshal(raw, t)
}

var schema = jsonschema.MustCompileString("config.schema.json", schemaJSON)

func validateSchema(doc map[string]any) error {
	if doc == nil {
		return nil
	}
	// The schema validator wants plain JSON values.
	b, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (t *Tuning) Normalize() {
	if t.TickRateHz <= 0 {
		t.TickRateHz = 20
	}
	if t.Levels.MaxLevel == 0 {
		t.Levels.MaxLevel = 33
	}
	if t.Scheduler.GenerationWorkers <= 0 {
		t.Scheduler.GenerationWorkers = 1
	}
	if t.Scheduler.LightWorkers <= 0 {
		t.Scheduler.LightWorkers = 1
	}
	if t.Scheduler.IOWorkers <= 0 {
		t.Scheduler.IOWorkers = 1
	}
	if t.Unload.DrainPerTick <= 0 {
		t.Unload.DrainPerTick = 1
	}
	if t.Unload.HighWater < t.Unload.DrainPerTick {
		t.Unload.HighWater = t.Unload.DrainPerTick
	}
	t.Storage.Backend = strings.ToLower(strings.TrimSpace(t.Storage.Backend))
	if t.Storage.Backend == "" {
		t.Storage.Backend = "file"
	}
	if t.Sim.ViewerRadius < 0 {
		t.Sim.ViewerRadius = 0
	}
	if t.Sim.WalkEveryTicks <= 0 {
		t.Sim.WalkEveryTicks = 1
	}
}

func (t Tuning) Validate() error {
	// Full must stay reachable: MaxLevel leaves room for the whole pipeline.
	if t.Levels.MaxLevel < status.MaxDistance() {
		return fmt.Errorf("%w: levels.max_level must be >= %d", ErrInvalid, status.MaxDistance())
	}
	if t.Unload.Overflow < 0 {
		return fmt.Errorf("%w: unload.overflow must be >= 0", ErrInvalid)
	}
	if t.Unload.DelayUnloadTicks < 0 {
		return fmt.Errorf("%w: unload.delay_unload_ticks must be >= 0", ErrInvalid)
	}
	if t.Autosave.PeriodTicks < 0 || t.Autosave.PerTickBudget < 0 {
		return fmt.Errorf("%w: autosave values must be >= 0", ErrInvalid)
	}
	switch t.Storage.Backend {
	case "file":
		if t.Storage.Dir == "" {
			return fmt.Errorf("%w: storage.dir required for file backend", ErrInvalid)
		}
	case "sqlite":
		if t.Storage.SQLitePath == "" {
			return fmt.Errorf("%w: storage.sqlite_path required for sqlite backend", ErrInvalid)
		}
	case "postgres":
		if t.Storage.PostgresDSN == "" {
			return fmt.Errorf("%w: storage.postgres_dsn required for postgres backend", ErrInvalid)
		}
	case "s3":
		if t.Storage.ObjectEndpoint == "" || t.Storage.ObjectBucket == "" {
			return fmt.Errorf("%w: storage.object_endpoint and storage.object_bucket required for s3 backend", ErrInvalid)
		}
	case "memory":
	default:
		return fmt.Errorf("%w: unknown storage.backend %q", ErrInvalid, t.Storage.Backend)
	}
	if t.POI.Path == "" {
		return fmt.Errorf("%w: poi.path required", ErrInvalid)
	}
	if t.POI.UnloadDelayTicks < 0 {
		return fmt.Errorf("%w: poi.unload_delay_ticks must be >= 0", ErrInvalid)
	}
	if t.Terrain.BiomeRegionSize <= 0 {
		return fmt.Errorf("%w: terrain.biome_region_size must be > 0", ErrInvalid)
	}
	return nil
}

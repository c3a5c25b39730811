package exec

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ImageCache remembers which container images were pulled and when, so a
// fresh image only needs a local inspect instead of a pull.
type ImageCache struct {
	CacheDir    string
	MaxAge      time.Duration
	mu          sync.Mutex
	imageStates map[string]*ImageState
	now         func() time.Time
}

// ImageState tracks the state of a cached image
type ImageState struct {
	Image    string    `json:"image"`
	CachedAt time.Time `json:"cached_at"`
	LastUsed time.Time `json:"last_used"`
	PullTime int64     `json:"pull_time_ms"`
}

// CacheManifest stores metadata about cached images
type CacheManifest struct {
	Version   string                 `json:"version"`
	Images    map[string]*ImageState `json:"images"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// NewImageCache creates a new image cache manager
func NewImageCache(cacheDir string, maxAge time.Duration) *ImageCache {
	return &ImageCache{
		CacheDir:    cacheDir,
		MaxAge:      maxAge,
		imageStates: make(map[string]*ImageState),
		now:         time.Now,
	}
}

func (c *ImageCache) manifestPath() string {
	return filepath.Join(c.CacheDir, "images.json")
}

// Load reads the cache manifest from disk
func (c *ImageCache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.manifestPath())
	if err != nil {
		if os.IsNotExist(err) {
			c.imageStates = make(map[string]*ImageState)
			return nil
		}
		return fmt.Errorf("read image cache: %w", err)
	}

	var manifest CacheManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("unmarshal image cache: %w", err)
	}
	if manifest.Images == nil {
		manifest.Images = make(map[string]*ImageState)
	}

	c.imageStates = manifest.Images
	return nil
}

// Save writes the cache manifest to disk
func (c *ImageCache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.CacheDir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	data, err := json.MarshalIndent(CacheManifest{
		Version:   "1.0",
		Images:    c.imageStates,
		UpdatedAt: c.now(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal image cache: %w", err)
	}

	if err := os.WriteFile(c.manifestPath(), data, 0o644); err != nil {
		return fmt.Errorf("write image cache: %w", err)
	}
	return nil
}

// Fresh reports whether image was pulled less than MaxAge ago.
func (c *ImageCache) Fresh(image string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.imageStates[image]
	return ok && c.now().Sub(state.CachedAt) < c.MaxAge
}

// Record stores a completed pull.
func (c *ImageCache) Record(image string, pullTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.imageStates[image] = &ImageState{
		Image:    image,
		CachedAt: now,
		LastUsed: now,
		PullTime: pullTime.Milliseconds(),
	}
}

// Touch updates the last used timestamp of a cached image.
func (c *ImageCache) Touch(image string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state, ok := c.imageStates[image]; ok {
		state.LastUsed = c.now()
	}
}

// Images returns the cached image states sorted by image reference.
func (c *ImageCache) Images() []ImageState {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ImageState, 0, len(c.imageStates))
	for _, state := range c.imageStates {
		out = append(out, *state)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Image < out[j].Image })
	return out
}

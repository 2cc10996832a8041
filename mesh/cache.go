package mesh

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultResultCachePath is the default path for the registration result cache
const DefaultResultCachePath = ".registration-cache.json"

// CachedResult is the persisted outcome of the latest registration of a pair.
type CachedResult struct {
	RunID       string  `json:"runId"`
	Transform   Matrix4 `json:"transform"`
	Converged   bool    `json:"converged"`
	Iterations  int     `json:"iterations"`
	Fitness     float64 `json:"fitness"`
	Error       string  `json:"error,omitempty"`
	LastUpdated int64   `json:"lastUpdated"`
}

// ResultCache stores the latest result of every pair as JSON.
type ResultCache struct {
	Pairs       map[string]CachedResult `json:"pairs"`
	LastUpdated int64                   `json:"lastUpdated"`
}

// NewResultCache returns an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{Pairs: make(map[string]CachedResult)}
}

// LoadResultCache loads the result cache from a JSON file.
// A missing file is not an error and yields nil.
func LoadResultCache(path string) (*ResultCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No cache file yet
		}
		return nil, fmt.Errorf("reading result cache: %w", err)
	}

	var c ResultCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parsing result cache: %w", err)
	}
	if c.Pairs == nil {
		c.Pairs = make(map[string]CachedResult)
	}
	return &c, nil
}

// SaveResultCache writes the cache, creating the directory if needed.
func SaveResultCache(path string, c *ResultCache) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating cache directory: %w", err)
	}

	c.LastUpdated = time.Now().Unix()

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result cache: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing result cache: %w", err)
	}

	return nil
}

// Record stores the outcome of a registration call. A failed call is kept
// with its error but does not replace the transform of an earlier success.
func (c *ResultCache) Record(pairID string, st State, runID string, fitness float64, regErr error) {
	if c.Pairs == nil {
		c.Pairs = make(map[string]CachedResult)
	}
	entry := CachedResult{
		RunID:       runID,
		Transform:   st.FinalTransformation,
		Converged:   st.Converged,
		Iterations:  st.Iterations,
		Fitness:     fitness,
		LastUpdated: time.Now().Unix(),
	}
	if regErr != nil {
		entry.Error = regErr.Error()
		if prev, ok := c.Pairs[pairID]; ok && prev.Converged {
			entry.Transform = prev.Transform
			entry.Converged = prev.Converged
			entry.Fitness = prev.Fitness
		}
	}
	c.Pairs[pairID] = entry
}

// GetTransform returns the cached transform of a pair, or identity.
func (c *ResultCache) GetTransform(pairID string) Matrix4 {
	if c == nil || c.Pairs == nil {
		return Identity()
	}
	if r, ok := c.Pairs[pairID]; ok {
		return r.Transform
	}
	return Identity()
}

// CacheStatus provides status information about registered pairs
type CacheStatus struct {
	RegisteredPairs []string          `json:"registeredPairs"`
	MissingPairs    []string          `json:"missingPairs"`
	LastUpdated     time.Time         `json:"lastUpdated"`
	Errors          map[string]string `json:"errors,omitempty"`
}

// GetStatus reports which of the expected pairs have a converged result.
func (c *ResultCache) GetStatus(expectedPairs []string) CacheStatus {
	status := CacheStatus{
		Errors: make(map[string]string),
	}

	if c == nil {
		status.MissingPairs = expectedPairs
		return status
	}

	status.LastUpdated = time.Unix(c.LastUpdated, 0)

	for _, id := range expectedPairs {
		r, ok := c.Pairs[id]
		if !ok {
			status.MissingPairs = append(status.MissingPairs, id)
			continue
		}
		if r.Error != "" {
			status.Errors[id] = r.Error
		}
		if r.Converged {
			status.RegisteredPairs = append(status.RegisteredPairs, id)
		} else {
			status.MissingPairs = append(status.MissingPairs, id)
		}
	}

	return status
}

// IsStale reports whether the pair's entry is older than maxAge or absent.
func (c *ResultCache) IsStale(pairID string, maxAge time.Duration) bool {
	if c == nil {
		return true
	}
	r, ok := c.Pairs[pairID]
	if !ok || r.LastUpdated == 0 {
		return true
	}
	return time.Since(time.Unix(r.LastUpdated, 0)) > maxAge
}

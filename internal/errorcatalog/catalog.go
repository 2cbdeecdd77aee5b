package errorcatalog

import (
	"fmt"
	"sort"
	"sync"

	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/batchflow/internal/common/batchflowerrors"
)

// Category classifies who is to blame for a failure.
type Category string

const (
	System    Category = "SYSTEM"
	Algorithm Category = "ALGORITHM"
	Data      Category = "DATA"
)

// Error is a named, categorised failure reason. Builtin errors have an empty JobTypeName.
type Error struct {
	ID              int64    `json:"id"`
	Name            string   `json:"name"`
	JobTypeName     string   `json:"job_type_name,omitempty"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	Category        Category `json:"category"`
	IsBuiltin       bool     `json:"is_builtin"`
	ShouldBeRetried bool     `json:"should_be_retried"`
}

// Definition declares an error a job type can report.
type Definition struct {
	Name        string   `json:"name"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
}

// Catalog resolves error names to errors with stable ids. Builtin errors are served from a cache seeded at
// construction; job type scoped errors are looked up on every call so edits between executions are seen.
type Catalog struct {
	mu        sync.RWMutex
	builtin   *cache.Cache
	byID      map[int64]*Error
	jobErrors map[string]map[string]*Error // {Job type name: {Error name: Error}}
	nextID    int64
}

func NewCatalog() *Catalog {
	c := &Catalog{
		builtin:   cache.New(cache.NoExpiration, 0),
		byID:      map[int64]*Error{},
		jobErrors: map[string]map[string]*Error{},
		nextID:    1,
	}
	for _, def := range builtinErrors {
		e := &Error{
			ID:              c.nextID,
			Name:            def.name,
			Title:           def.title,
			Description:     def.description,
			Category:        def.category,
			IsBuiltin:       true,
			ShouldBeRetried: def.retry,
		}
		c.nextID++
		c.byID[e.ID] = e
		c.builtin.SetDefault(e.Name, e)
	}
	return c
}

// GetBuiltinError returns the builtin error with the given name. Asking for a name that is not builtin is a
// programming error.
func (c *Catalog) GetBuiltinError(name string) (*Error, error) {
	if cached, ok := c.builtin.Get(name); ok {
		e := *cached.(*Error)
		return &e, nil
	}
	return nil, errors.WithStack(&batchflowerrors.ErrNotFound{Type: "builtin error", Value: name})
}

// MustBuiltinError is GetBuiltinError for names defined in this package.
func (c *Catalog) MustBuiltinError(name string) *Error {
	e, err := c.GetBuiltinError(name)
	if err != nil {
		panic(err)
	}
	return e
}

// GetUnknownError returns the catch-all builtin error.
func (c *Catalog) GetUnknownError() *Error {
	return c.MustBuiltinError(UnknownError)
}

// GetJobError resolves name within the scope of a job type, falling back to the builtin errors.
func (c *Catalog) GetJobError(jobTypeName, name string) (*Error, error) {
	c.mu.RLock()
	if scoped, ok := c.jobErrors[jobTypeName][name]; ok {
		e := *scoped
		c.mu.RUnlock()
		return &e, nil
	}
	c.mu.RUnlock()
	return c.GetBuiltinError(name)
}

// GetErrorByID returns any error, builtin or job scoped, by id.
func (c *Catalog) GetErrorByID(id int64) (*Error, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	if !ok {
		return nil, errors.WithStack(&batchflowerrors.ErrNotFound{Type: "error", Value: fmt.Sprint(id)})
	}
	copied := *e
	return &copied, nil
}

// RegisterJobErrors creates or updates the errors a job type declares. Re-registering an existing name keeps
// its id.
func (c *Catalog) RegisterJobErrors(jobTypeName string, definitions []Definition) []*Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	scoped, ok := c.jobErrors[jobTypeName]
	if !ok {
		scoped = map[string]*Error{}
		c.jobErrors[jobTypeName] = scoped
	}
	registered := make([]*Error, 0, len(definitions))
	for _, def := range definitions {
		category := def.Category
		if category == "" {
			category = Algorithm
		}
		e, exists := scoped[def.Name]
		if !exists {
			e = &Error{ID: c.nextID, Name: def.Name, JobTypeName: jobTypeName}
			c.nextID++
			scoped[def.Name] = e
			c.byID[e.ID] = e
			log.Debugf("registered error %s for job type %s", def.Name, jobTypeName)
		}
		e.Title = def.Title
		e.Description = def.Description
		e.Category = category
		copied := *e
		registered = append(registered, &copied)
	}
	return registered
}

// ListErrors returns every known error ordered by id.
func (c *Catalog) ListErrors() []*Error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	all := make([]*Error, 0, len(c.byID))
	for _, e := range c.byID {
		copied := *e
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}

// GetErrorByExitCode resolves an exit code through one of the builtin exit code tables. Returns nil when the
// table has no entry for the code.
func (c *Catalog) GetErrorByExitCode(table map[int]string, exitCode int) *Error {
	name, ok := table[exitCode]
	if !ok {
		return nil
	}
	e, err := c.GetBuiltinError(name)
	if err != nil {
		log.WithError(err).Errorf("exit code table refers to unknown error %s", name)
		return nil
	}
	return e
}

package outputs

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// Schemas holds one CUE schema per feature. A cue.Context is not safe for
// concurrent use, so every access goes through mu.
type Schemas struct {
	mu      sync.Mutex
	ctx     *cue.Context
	schemas map[string]cue.Value
}

func NewSchemas() *Schemas {
	return &Schemas{ctx: cuecontext.New(), schemas: map[string]cue.Value{}}
}

// Register compiles src and binds it to feature.
func (s *Schemas) Register(feature, src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.ctx.CompileString(src, cue.Filename(feature+".cue"))
	if err := v.Err(); err != nil {
		return fmt.Errorf("compile schema for %s: %w", feature, err)
	}
	s.schemas[feature] = v
	return nil
}

func (s *Schemas) Has(feature string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.schemas[feature]
	return ok
}

// Validate unifies data with the feature schema and returns each problem.
// Features without a schema always pass.
func (s *Schemas) Validate(feature string, data any) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	schema, ok := s.schemas[feature]
	if !ok {
		return nil
	}
	value := s.ctx.Encode(data)
	if err := value.Err(); err != nil {
		return []string{fmt.Sprintf("encode output: %v", err)}
	}
	err := schema.Unify(value).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	var problems []string
	for _, e := range cueerrors.Errors(err) {
		problems = append(problems, "schema: "+e.Error())
	}
	if len(problems) == 0 {
		problems = append(problems, "schema: "+err.Error())
	}
	return problems
}

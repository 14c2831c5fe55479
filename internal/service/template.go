package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/imlsys/imlcore/internal/domain"
	"github.com/imlsys/imlcore/internal/domain/plan"
	"github.com/imlsys/imlcore/internal/port/cache"
)

// TemplateResolverService substitutes {{result.<action_id>.<path>}},
// {{memory.<key>}}, and {{env.<name>}} sigils in an action's params with
// values from completed sibling actions, session memory, and the
// process environment, just before dispatch. Resolved memory reads are
// cached (short TTL) since the same session memory key is often read by
// many sibling actions in the same wave.
type TemplateResolverService struct {
	memory cache.Cache
	env    func(string) (string, bool)
}

const memoryCacheTTL = 30 * time.Second

// NewTemplateResolverService creates a resolver backed by the given
// memory cache. When env is nil, every {{env.<name>}} resolves to the
// empty string; pass os.LookupEnv to read the process environment.
func NewTemplateResolverService(memory cache.Cache, env func(string) (string, bool)) *TemplateResolverService {
	if env == nil {
		env = func(string) (string, bool) { return "", false }
	}
	return &TemplateResolverService{memory: memory, env: env}
}

// ResolveParams returns a copy of params with every string value's
// template sigils substituted. Non-string values pass through unchanged;
// nested maps and slices are walked recursively.
func (r *TemplateResolverService) ResolveParams(ctx context.Context, params map[string]any, state plan.ExecutionState) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := r.resolveValue(ctx, v, state)
		if err != nil {
			return nil, fmt.Errorf("param %q: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

func (r *TemplateResolverService) resolveValue(ctx context.Context, v any, state plan.ExecutionState) (any, error) {
	switch val := v.(type) {
	case string:
		return r.resolveString(ctx, val, state)
	case map[string]any:
		return r.ResolveParams(ctx, val, state)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := r.resolveValue(ctx, item, state)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *TemplateResolverService) resolveString(ctx context.Context, s string, state plan.ExecutionState) (string, error) {
	var resolveErr error
	out := plan.TemplateRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := plan.TemplateRefPattern.FindStringSubmatch(match)
		actionID, path := groups[1], groups[2]

		rec, ok := state.Actions[actionID]
		if !ok || rec.State != plan.ActionCompleted {
			resolveErr = fmt.Errorf("%w: %s", domain.ErrTemplateUnresolved, match)
			return match
		}
		val, ok := lookupPath(rec.Result, path)
		if !ok {
			resolveErr = fmt.Errorf("%w: %s", domain.ErrTemplateUnresolved, match)
			return match
		}
		return fmt.Sprintf("%v", val)
	})
	if resolveErr != nil {
		return "", resolveErr
	}

	out = r.resolveMemoryRefs(ctx, out)
	out = r.resolveEnvRefs(out)
	return out, nil
}

func (r *TemplateResolverService) resolveMemoryRefs(ctx context.Context, s string) string {
	for {
		start := strings.Index(s, "{{memory.")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return s
		}
		end += start
		key := strings.TrimSpace(s[start+len("{{memory.") : end])

		replacement := ""
		if r.memory != nil {
			if data, found, err := r.memory.Get(ctx, "session_memory:"+key); err == nil && found {
				replacement = string(data)
			}
		}
		s = s[:start] + replacement + s[end+2:]
	}
}

func (r *TemplateResolverService) resolveEnvRefs(s string) string {
	for {
		start := strings.Index(s, "{{env.")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return s
		}
		end += start
		name := strings.TrimSpace(s[start+len("{{env.") : end])

		replacement, _ := r.env(name)
		s = s[:start] + replacement + s[end+2:]
	}
}

// CacheMemory writes a session-memory value an action's memory.write_key
// produced, so later actions referencing {{memory.<key>}} can read it.
func (r *TemplateResolverService) CacheMemory(ctx context.Context, key string, value string) error {
	if r.memory == nil {
		return nil
	}
	return r.memory.Set(ctx, "session_memory:"+key, []byte(value), memoryCacheTTL)
}

// lookupPath walks a dotted path ("a.b.c") through nested maps.
func lookupPath(result map[string]any, path string) (any, bool) {
	var cur any = map[string]any(result)
	for _, segment := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[segment]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

package service

import (
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/wenwu/saas-platform/gameserver-service/internal/client"
	"github.com/wenwu/saas-platform/gameserver-service/internal/models"
)

// VariableKind is the resolution strategy of a template variable.
type VariableKind int

const (
	VarAlphaNumeric VariableKind = iota
	VarBoolean
	VarNumeric
	VarURL
	VarCustom
)

func (k VariableKind) String() string {
	switch k {
	case VarBoolean:
		return "boolean"
	case VarNumeric:
		return "numeric"
	case VarURL:
		return "url"
	case VarCustom:
		return "custom"
	}
	return "alpha_numeric"
}

// VariableSpec is a template variable after its rules were parsed.
type VariableSpec struct {
	Env      string
	Default  string
	Kind     VariableKind
	GameKey  string
	Required bool
	Min      int
	Max      int
	In       []string
}

// CustomValue computes a game-specific value from the plan and order.
type CustomValue func(plan *models.Plan, order *models.Order) string

// VariableResolver turns template variables into concrete environment values.
type VariableResolver struct {
	custom map[string]map[string]CustomValue
}

// commonGameKey holds overrides that apply to every game.
const commonGameKey = "*"

func NewVariableResolver() *VariableResolver {
	r := &VariableResolver{custom: make(map[string]map[string]CustomValue)}

	memoryMB := func(p *models.Plan, _ *models.Order) string { return strconv.Itoa(p.RAMGB * 1024) }
	r.Register(commonGameKey, "SERVER_MEMORY", memoryMB)
	r.Register(commonGameKey, "MAX_MEMORY", memoryMB)
	r.Register(commonGameKey, "SERVER_NAME", func(_ *models.Plan, o *models.Order) string { return o.ServerName })

	r.Register("minecraft", "EULA", func(*models.Plan, *models.Order) string { return "true" })
	r.Register("minecraft", "MINECRAFT_VERSION", func(*models.Plan, *models.Order) string { return "latest" })
	r.Register("minecraft", "MAX_PLAYERS", func(p *models.Plan, _ *models.Order) string {
		return strconv.Itoa(p.RAMGB * 5)
	})
	r.Register("valheim", "WORLD_NAME", func(_ *models.Plan, o *models.Order) string { return "world-" + shortID(o.ID) })
	r.Register("valheim", "PASSWORD", func(*models.Plan, *models.Order) string { return generateSecret(12) })
	return r
}

// Register adds a custom value for an env variable of a game.
func (r *VariableResolver) Register(gameKey, env string, fn CustomValue) {
	if r.custom[gameKey] == nil {
		r.custom[gameKey] = make(map[string]CustomValue)
	}
	r.custom[gameKey][env] = fn
}

// Classify parses the declared rules of a variable.
func (r *VariableResolver) Classify(v client.TemplateVariable, gameKey string) VariableSpec {
	spec := VariableSpec{Env: v.EnvVariable, Default: v.DefaultValue, Kind: VarAlphaNumeric}

	for _, token := range strings.Split(v.Rules, "|") {
		name, arg, _ := strings.Cut(strings.TrimSpace(token), ":")
		switch name {
		case "required":
			spec.Required = true
		case "boolean":
			spec.Kind = VarBoolean
		case "numeric", "integer":
			spec.Kind = VarNumeric
		case "url":
			spec.Kind = VarURL
		case "min":
			spec.Min, _ = strconv.Atoi(arg)
		case "max":
			spec.Max, _ = strconv.Atoi(arg)
		case "between":
			lo, hi, _ := strings.Cut(arg, ",")
			spec.Min, _ = strconv.Atoi(lo)
			spec.Max, _ = strconv.Atoi(hi)
		case "in":
			spec.In = strings.Split(arg, ",")
		}
	}

	if _, ok := r.lookup(gameKey, v.EnvVariable); ok {
		spec.Kind = VarCustom
		spec.GameKey = gameKey
	}
	return spec
}

// Resolve produces a value for every variable of the template.
func (r *VariableResolver) Resolve(tpl *client.Template, plan *models.Plan, order *models.Order) map[string]string {
	env := make(map[string]string, len(tpl.Variables))
	for _, v := range tpl.Variables {
		spec := r.Classify(v, plan.GameKey)
		env[spec.Env] = r.value(spec, plan, order)
	}
	return env
}

func (r *VariableResolver) value(spec VariableSpec, plan *models.Plan, order *models.Order) string {
	if spec.Kind == VarCustom {
		fn, _ := r.lookup(spec.GameKey, spec.Env)
		return fn(plan, order)
	}
	if spec.Default != "" {
		return spec.Default
	}
	if len(spec.In) > 0 {
		return spec.In[0]
	}

	switch spec.Kind {
	case VarBoolean:
		return "false"
	case VarNumeric:
		return strconv.Itoa(spec.Min)
	case VarURL:
		if spec.Required {
			return "http://localhost"
		}
		return ""
	default:
		if !spec.Required && spec.Min == 0 {
			return ""
		}
		n := 16
		if spec.Min > n {
			n = spec.Min
		}
		if spec.Max > 0 && n > spec.Max {
			n = spec.Max
		}
		return generateSecret(n)
	}
}

func (r *VariableResolver) lookup(gameKey, env string) (CustomValue, bool) {
	if fn, ok := r.custom[gameKey][env]; ok {
		return fn, true
	}
	fn, ok := r.custom[commonGameKey][env]
	return fn, ok
}

// generateSecret returns n random hex characters.
func generateSecret(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		// uuid v4 digits are not uniform but still unpredictable
		var b strings.Builder
		for b.Len() < n {
			b.WriteString(strings.ReplaceAll(uuid.NewString(), "-", ""))
		}
		return b.String()[:n]
	}
	return hex.EncodeToString(buf)[:n]
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

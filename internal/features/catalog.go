// Package features declares every generated artifact: which stage owns it,
// which tier produces it, how its prompt is built, and what shape the
// output must have.
package features

import (
	"fmt"
	"text/template"

	"launchpath/internal/config"
	"launchpath/internal/domain"
	"launchpath/internal/outputs"
)

type Feature struct {
	Name         string
	Stage        domain.Stage
	Tier         string
	SystemPrompt string
	// Template is expanded with generation.PromptData.
	Template string
	Required []string
	// Schema is CUE source checked against the decoded output.
	Schema string
}

// Parse compiles the prompt template.
func (f Feature) Parse() (*template.Template, error) {
	t, err := template.New(f.Name).Option("missingkey=zero").Parse(f.Template)
	if err != nil {
		return nil, fmt.Errorf("feature %s template: %w", f.Name, err)
	}
	return t, nil
}

type Catalog struct {
	order  []string
	byName map[string]Feature
}

func NewCatalog(fs ...Feature) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Feature, len(fs))}
	for _, f := range fs {
		if f.Name == "" {
			return nil, fmt.Errorf("feature with empty name")
		}
		if _, dup := c.byName[f.Name]; dup {
			return nil, fmt.Errorf("duplicate feature %s", f.Name)
		}
		if !f.Stage.Valid() {
			return nil, fmt.Errorf("feature %s: invalid stage %q", f.Name, f.Stage)
		}
		if _, err := f.Parse(); err != nil {
			return nil, err
		}
		c.order = append(c.order, f.Name)
		c.byName[f.Name] = f
	}
	return c, nil
}

// Default returns the built-in catalog. It panics if the built-ins are
// inconsistent, which only a code change can cause.
func Default() *Catalog {
	c, err := NewCatalog(builtin...)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Catalog) Lookup(name string) (Feature, bool) {
	f, ok := c.byName[name]
	return f, ok
}

// Names lists features in declaration order.
func (c *Catalog) Names() []string {
	return append([]string(nil), c.order...)
}

// ForStage lists a stage's features in declaration order.
func (c *Catalog) ForStage(s domain.Stage) []Feature {
	var out []Feature
	for _, name := range c.order {
		if f := c.byName[name]; f.Stage == s {
			out = append(out, f)
		}
	}
	return out
}

// Schemas compiles every feature schema into one registry.
func (c *Catalog) Schemas() (*outputs.Schemas, error) {
	reg := outputs.NewSchemas()
	for _, name := range c.order {
		f := c.byName[name]
		if f.Schema == "" {
			continue
		}
		if err := reg.Register(f.Name, f.Schema); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

const projectBlock = `Idea: {{.Inputs.idea}}
{{- with .Inputs.audience}}
Audience: {{.}}{{end}}
{{- with .Inputs.business_type}}
Business type: {{.}}{{end}}
{{- with .Inputs.geography}}
Geography: {{.}}{{end}}
{{- with .Inputs.founder_type}}
Founder: {{.}}{{end}}
{{- range $name, $json := .Upstream}}

Prior {{$name}}:
{{$json}}{{end}}`

var builtin = []Feature{
	{
		Name:         "evaluation",
		Stage:        domain.StageIdeaCheck,
		Tier:         config.TierThinking,
		SystemPrompt: "You are a startup analyst scoring early business ideas.",
		Template:     projectBlock + "\n\nScore the idea from 0 to 10 on problem, market and feasibility. Return score, summary, strengths and weaknesses.",
		Required:     []string{"score", "summary", "strengths", "weaknesses"},
		Schema: `score: number & >=0 & <=10
summary: string
strengths: [...string]
weaknesses: [...string]`,
	},
	{
		Name:         "questions",
		Stage:        domain.StageIdeaCheck,
		Tier:         config.TierFast,
		SystemPrompt: "You help founders find the open questions in their idea.",
		Template:     projectBlock + "\n\nList the questions the founder must answer before building.",
		Required:     []string{"questions"},
		Schema:       `questions: [...string]`,
	},
	{
		Name:         "project_analysis",
		Stage:        domain.StageIdeaCheck,
		Tier:         config.TierFast,
		SystemPrompt: "You classify business ideas.",
		Template:     projectBlock + "\n\nDescribe the target customer, the problem and the proposed solution.",
		Required:     []string{"customer", "problem", "solution"},
		Schema: `customer: string
problem: string
solution: string`,
	},
	{
		Name:         "competitors",
		Stage:        domain.StageMarketReality,
		Tier:         config.TierThinking,
		SystemPrompt: "You research competitive landscapes.",
		Template:     projectBlock + "\n\nList direct and indirect competitors with their positioning.",
		Required:     []string{"competitors"},
		Schema: `competitors: [...{
	name: string
	positioning?: string
	url?: string
}]`,
	},
	{
		Name:         "market_size",
		Stage:        domain.StageMarketReality,
		Tier:         config.TierFast,
		SystemPrompt: "You estimate market sizes with explicit assumptions.",
		Template:     projectBlock + "\n\nEstimate TAM, SAM and SOM in USD and list your assumptions.",
		Required:     []string{"tam", "sam", "som", "assumptions"},
		Schema: `tam: number
sam: number
som: number
assumptions: [...string]`,
	},
	{
		Name:         "mvp_scope",
		Stage:        domain.StageBuildPlan,
		Tier:         config.TierThinking,
		SystemPrompt: "You scope minimal viable products.",
		Template:     projectBlock + "\n\nDefine the smallest product that tests the core assumption. Return features and out_of_scope.",
		Required:     []string{"features", "out_of_scope"},
		Schema: `features: [...string]
out_of_scope: [...string]`,
	},
	{
		Name:         "tech_stack",
		Stage:        domain.StageBuildPlan,
		Tier:         config.TierFast,
		SystemPrompt: "You recommend pragmatic technology stacks.",
		Template:     projectBlock + "{{with .Previous}}\n\nMVP scope:\n{{.}}{{end}}\n\nRecommend a stack for this MVP with reasons.",
		Required:     []string{"stack"},
		Schema: `stack: [...{
	component: string
	choice: string
	reason?: string
}]`,
	},
	{
		Name:         "channels",
		Stage:        domain.StageLaunchPlan,
		Tier:         config.TierFast,
		SystemPrompt: "You plan go-to-market channels.",
		Template:     projectBlock + "\n\nRank the first acquisition channels to try.",
		Required:     []string{"channels"},
		Schema: `channels: [...{
	name: string
	rationale?: string
}]`,
	},
	{
		Name:         "pricing",
		Stage:        domain.StageLaunchPlan,
		Tier:         config.TierFast,
		SystemPrompt: "You design launch pricing.",
		Template:     projectBlock + "\n\nPropose pricing tiers with price points.",
		Required:     []string{"tiers"},
		Schema: `tiers: [...{
	name: string
	price: number
}]`,
	},
	{
		Name:         "swot",
		Stage:        domain.StageDecision,
		Tier:         config.TierThinking,
		SystemPrompt: "You write SWOT analyses.",
		Template:     projectBlock + "\n\nWrite a SWOT analysis.",
		Required:     []string{"strengths", "weaknesses", "opportunities", "threats"},
		Schema: `strengths: [...string]
weaknesses: [...string]
opportunities: [...string]
threats: [...string]`,
	},
	{
		Name:         "risk_analysis",
		Stage:        domain.StageDecision,
		Tier:         config.TierThinking,
		SystemPrompt: "You assess startup risks.",
		Template:     projectBlock + "{{with .Previous}}\n\nSWOT:\n{{.}}{{end}}\n\nList the main risks with likelihood and mitigation.",
		Required:     []string{"risks"},
		Schema: `risks: [...{
	risk: string
	likelihood?: "low" | "medium" | "high"
	mitigation?: string
}]`,
	},
	{
		Name:         "verdict",
		Stage:        domain.StageDecision,
		Tier:         config.TierThinking,
		SystemPrompt: "You give a final go or no-go recommendation.",
		Template:     projectBlock + "{{with .Previous}}\n\nRisk analysis:\n{{.}}{{end}}\n\nGive a verdict of go, pivot or stop with reasoning.",
		Required:     []string{"verdict", "reasoning"},
		Schema: `verdict: "go" | "pivot" | "stop"
reasoning: string`,
	},
}

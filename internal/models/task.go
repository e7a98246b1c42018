package models

// BenchmarkTask is one self-iteration work item: a prompt plus executable
// test cases in a declared language.
type BenchmarkTask struct {
	ID       string     `json:"id" yaml:"id"`
	Language string     `json:"language" yaml:"language"` // "python", "javascript", "bash"
	Prompt   string     `json:"prompt" yaml:"prompt"`
	Tests    []TestCase `json:"tests" yaml:"tests"`
}

// TestCase exercises a candidate solution. Harness is source appended
// after the solution that invokes it and prints the result; a test passes
// when the process exits zero and, if Expected is set, the last line of
// stdout matches it exactly.
type TestCase struct {
	Name     string `json:"name" yaml:"name"`
	Harness  string `json:"harness" yaml:"harness"`
	Expected string `json:"expected,omitempty" yaml:"expected,omitempty"`
}

// Domain is one logical serving configuration exposed by the gateway
type Domain struct {
	Name         string `json:"name"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Description  string `json:"description,omitempty"`
}

// DomainsConfig is the JSON file shape for gateway domains
type DomainsConfig struct {
	Default string   `json:"default"`
	Domains []Domain `json:"domains"`
}

// Find returns the domain with the given name, or nil
func (c *DomainsConfig) Find(name string) *Domain {
	for i := range c.Domains {
		if c.Domains[i].Name == name {
			return &c.Domains[i]
		}
	}
	return nil
}

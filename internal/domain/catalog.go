package domain

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Outcome is one entry of the adverse-outcome catalog the engine assesses.
type Outcome struct {
	Token    string `yaml:"token" json:"token"`
	Label    string `yaml:"label" json:"label"`
	Category string `yaml:"category" json:"category,omitempty"`
}

// Catalog is the immutable outcome ontology loaded once at startup and passed
// explicitly into the assembler. It is never mutated after construction.
type Catalog struct {
	outcomes []Outcome
	byToken  map[string]Outcome
}

// NewCatalog builds a catalog from a list of outcomes, rejecting duplicates
// and blank tokens.
func NewCatalog(outcomes []Outcome) (*Catalog, error) {
	if len(outcomes) == 0 {
		return nil, fmt.Errorf("outcome catalog must not be empty")
	}
	byToken := make(map[string]Outcome, len(outcomes))
	ordered := make([]Outcome, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Token == "" {
			return nil, NewValidationError("token", "outcome token is required", o)
		}
		if _, dup := byToken[o.Token]; dup {
			return nil, NewValidationError("token", "duplicate outcome token", o.Token)
		}
		if o.Label == "" {
			o.Label = o.Token
		}
		byToken[o.Token] = o
		ordered = append(ordered, o)
	}
	return &Catalog{outcomes: ordered, byToken: byToken}, nil
}

// Outcomes returns the catalog entries in declaration order.
func (c *Catalog) Outcomes() []Outcome {
	out := make([]Outcome, len(c.outcomes))
	copy(out, c.outcomes)
	return out
}

// Lookup returns the catalog entry for a token.
func (c *Catalog) Lookup(token string) (Outcome, error) {
	o, ok := c.byToken[token]
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %s", ErrUnknownOutcome, token)
	}
	return o, nil
}

// Len returns the number of catalog entries.
func (c *Catalog) Len() int { return len(c.outcomes) }

type catalogFile struct {
	Outcomes []Outcome `yaml:"outcomes"`
}

// LoadCatalog reads an outcome catalog from YAML.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decoding outcome catalog: %w", err)
	}
	return NewCatalog(f.Outcomes)
}

// LoadCatalogFile reads an outcome catalog from a YAML file path, falling
// back to the compiled-in default catalog when path is empty.
func LoadCatalogFile(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening outcome catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

// DefaultCatalog returns the compiled-in perioperative adverse-outcome
// catalog used when no external catalog file is configured.
func DefaultCatalog() (*Catalog, error) {
	return NewCatalog([]Outcome{
		{Token: "LARYNGOSPASM", Label: "Laryngospasm", Category: "airway"},
		{Token: "BRONCHOSPASM", Label: "Bronchospasm", Category: "airway"},
		{Token: "DIFFICULT_INTUBATION", Label: "Difficult intubation", Category: "airway"},
		{Token: "POST_EXTUBATION_STRIDOR", Label: "Post-extubation stridor", Category: "airway"},
		{Token: "ASPIRATION", Label: "Pulmonary aspiration", Category: "airway"},
		{Token: "HYPOXEMIA", Label: "Perioperative hypoxemia", Category: "respiratory"},
		{Token: "POSTOP_RESP_COMPLICATIONS", Label: "Postoperative respiratory complications", Category: "respiratory"},
		{Token: "PONV", Label: "Postoperative nausea and vomiting", Category: "recovery"},
		{Token: "EMERGENCE_DELIRIUM", Label: "Emergence delirium", Category: "recovery"},
		{Token: "BRADYCARDIA", Label: "Intraoperative bradycardia", Category: "cardiovascular"},
		{Token: "HYPOTENSION", Label: "Intraoperative hypotension", Category: "cardiovascular"},
		{Token: "UNPLANNED_ADMISSION", Label: "Unplanned admission", Category: "disposition"},
	})
}

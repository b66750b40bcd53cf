package stage

import "fmt"

// Name identifies one stage of the document chain. The set is closed: every
// workflow passes through the same five stages in order.
type Name string

const (
	NameParse   Name = "parse"
	NameExtract Name = "extract"
	NamePersist Name = "persist"
	NameEnrich  Name = "enrich"
	NameSync    Name = "sync"
)

// chain is the fixed processing order.
var chain = []Name{NameParse, NameExtract, NamePersist, NameEnrich, NameSync}

// Chain returns the stage names in processing order.
func Chain() []Name {
	out := make([]Name, len(chain))
	copy(out, chain)
	return out
}

// ParseName validates a stage name supplied by an operator or API caller.
func ParseName(raw string) (Name, error) {
	for _, name := range chain {
		if string(name) == raw {
			return name, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", raw)
}

// Next returns the stage that follows n, or false for the final stage.
func (n Name) Next() (Name, bool) {
	for i, name := range chain {
		if name == n && i+1 < len(chain) {
			return chain[i+1], true
		}
	}
	return "", false
}

// Queue returns the job queue the stage consumes.
func (n Name) Queue() string { return string(n) }

func (n Name) String() string { return string(n) }

package schema

// MemoryStore is persistent agent memory backed by workspace markdown files.
// Implementations serialise writes through the lock manager; defined here so
// tools can depend on it without importing the agent package.
type MemoryStore interface {
	ReadLongTerm() string
	WriteLongTerm(content string) error
	AppendHistory(entry string) error
}

// SkillInfo identifies one discovered skill.
type SkillInfo struct {
	Name   string
	Path   string
	Source string // "workspace" or "builtin"
}

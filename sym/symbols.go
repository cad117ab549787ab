// Package sym defines the glyphs lector uses as log markers and CLI command
// prefixes. They are stable across log output, CLI help and docs.
package sym

// System symbols.
const (
	Pulse      = "꩜" // job queue and scheduler
	PulseOpen  = "✿" // startup, dangling job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Hook       = "⌬" // scraper hooks
	Crawl      = "⟶" // crawl work dispatched by jobs
	Health     = "✦" // connectivity and stuck-job detection
)

// SymbolToCommand maps each command-bearing glyph to its CLI command.
var SymbolToCommand = map[string]string{
	Pulse: "pulse",
	DB:    "db",
	AM:    "am",
	Hook:  "hooks",
	Crawl: "jobs",
}

// CommandToSymbol is the inverse of SymbolToCommand.
var CommandToSymbol = map[string]string{
	"pulse": Pulse,
	"db":    DB,
	"am":    AM,
	"hooks": Hook,
	"jobs":  Crawl,
}

// CommandDescriptions is the short help shown next to each command.
var CommandDescriptions = map[string]string{
	"pulse": "Run and inspect the job scheduler",
	"db":    "Database maintenance",
	"am":    "Show configuration",
	"hooks": "List, enable and disable scraper hooks",
	"jobs":  "Manage stored jobs",
}

// PrefixShort returns the command's short description prefixed by its glyph.
// Unknown commands get the bare description.
func PrefixShort(cmd string) string {
	desc := CommandDescriptions[cmd]
	if s, ok := CommandToSymbol[cmd]; ok {
		return s + " " + desc
	}
	return desc
}

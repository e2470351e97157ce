package agent

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	witgo "github.com/OpenListTeam/wazero-agenthost/wit-go"
)

// MCPServer is a tool server the guest connects to over HTTP.
type MCPServer struct {
	Name string `validate:"required"`
	URL  string `validate:"required,url"`
}

// Config is the agent-config record handed to create. Fields the guest's
// world does not know are dropped when the record is lowered.
type Config struct {
	Provider string  `validate:"required"`
	Model    string  `validate:"required"`
	APIKey   string  `validate:"required_unless=Provider ollama"`
	BaseURL  *string `validate:"omitempty,url"`

	// 0.2.4 and later
	Preamble *string

	// 0.2.9
	MCPServers []MCPServer `validate:"dive"`
	MaxTurns   *uint32     `validate:"omitempty,gte=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	return nil
}

var mcpServerLayout = witgo.NewRecordLayout(
	witgo.Field("name", witgo.LayoutString),
	witgo.Field("url", witgo.LayoutString),
)

// configLayouts 按 world 版本记录 agent-config 的字段顺序。
var configLayouts = map[string]*witgo.RecordLayout{
	"0.2.0": witgo.NewRecordLayout(
		witgo.Field("provider", witgo.LayoutString),
		witgo.Field("model", witgo.LayoutString),
		witgo.Field("api-key", witgo.LayoutString),
		witgo.Field("base-url", witgo.OptionOf(witgo.LayoutString)),
	),
	"0.2.4": witgo.NewRecordLayout(
		witgo.Field("provider", witgo.LayoutString),
		witgo.Field("model", witgo.LayoutString),
		witgo.Field("api-key", witgo.LayoutString),
		witgo.Field("base-url", witgo.OptionOf(witgo.LayoutString)),
		witgo.Field("preamble", witgo.OptionOf(witgo.LayoutString)),
	),
	"0.2.9": witgo.NewRecordLayout(
		witgo.Field("provider", witgo.LayoutString),
		witgo.Field("model", witgo.LayoutString),
		witgo.Field("api-key", witgo.LayoutString),
		witgo.Field("base-url", witgo.OptionOf(witgo.LayoutString)),
		witgo.Field("preamble", witgo.OptionOf(witgo.LayoutString)),
		witgo.Field("mcp-servers", witgo.LayoutList),
		witgo.Field("max-turns", witgo.OptionOf(witgo.LayoutU32)),
	),
}

// lowerConfig writes cfg into guest memory using the layout of version and
// returns the record's address.
func lowerConfig(mem *witgo.Memory, version string, cfg *Config) (uint32, error) {
	layout, ok := configLayouts[version]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedVersion, version)
	}
	w := witgo.NewRecordWriter(mem, layout).
		String("provider", cfg.Provider).
		String("model", cfg.Model).
		String("api-key", cfg.APIKey).
		OptionString("base-url", cfg.BaseURL)
	if version == "0.2.0" {
		return w.Commit()
	}
	w.OptionString("preamble", cfg.Preamble)
	if version == "0.2.4" {
		return w.Commit()
	}
	return w.
		Records("mcp-servers", mcpServerLayout, len(cfg.MCPServers), func(i int, rw *witgo.RecordWriter) {
			rw.String("name", cfg.MCPServers[i].Name).String("url", cfg.MCPServers[i].URL)
		}).
		OptionU32("max-turns", cfg.MaxTurns).
		Commit()
}

// dropped lists the config fields version cannot carry.
func (c *Config) dropped(version string) []string {
	var out []string
	if version == "0.2.0" && c.Preamble != nil {
		out = append(out, "preamble")
	}
	if version != "0.2.9" {
		if len(c.MCPServers) > 0 {
			out = append(out, "mcp-servers")
		}
		if c.MaxTurns != nil {
			out = append(out, "max-turns")
		}
	}
	return out
}

package correlator

import (
	"net/url"
	"strings"

	"github.com/raphi011/relay/internal/model"
)

const sessionIDPlaceholder = "<session-id>"

// Registry looks up the link templates of a remote driver provider.
type Registry interface {
	Integration(provider string) (model.ProviderIntegration, bool)
}

// CapabilityKeys are the driver capabilities that enable a feature of a
// session, e.g. `enableVideo: true`.
var CapabilityKeys = map[model.Capability]string{
	model.CapabilityVideo: "enableVideo",
	model.CapabilityLogs:  "enableLog",
	model.CapabilityVNC:   "enableVNC",
}

// ResolveProviderLink builds the link of a session feature from the template
// configured for provider. It returns false when value is not exactly true,
// the provider has no integration or the resulting link is not a valid URL.
// VNC links are rewritten to their websocket scheme.
func ResolveProviderLink(reg Registry, provider string, capability model.Capability, value any, sessionID string) (string, bool) {
	if enabled, ok := value.(bool); !ok || !enabled {
		return "", false
	}

	if reg == nil || sessionID == "" {
		return "", false
	}

	integration, ok := reg.Integration(provider)
	if !ok {
		return "", false
	}

	tmpl := integration.Template(capability)
	if tmpl == "" {
		return "", false
	}

	link := strings.ReplaceAll(tmpl, sessionIDPlaceholder, sessionID)

	if capability == model.CapabilityVNC {
		switch {
		case strings.HasPrefix(link, "https://"):
			link = "wss://" + strings.TrimPrefix(link, "https://")
		case strings.HasPrefix(link, "http://"):
			link = "ws://" + strings.TrimPrefix(link, "http://")
		}
	}

	u, err := url.Parse(link)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}

	return link, true
}

// capability returns the value of a capability, also looking into vendor
// specific option maps such as `selenoid:options`.
func capability(caps map[string]any, key string) any {
	if v, ok := caps[key]; ok {
		return v
	}

	for k, v := range caps {
		if !strings.HasSuffix(k, ":options") {
			continue
		}

		if opts, ok := v.(map[string]any); ok {
			if v, ok := opts[key]; ok {
				return v
			}
		}
	}

	return nil
}

func platformOf(caps map[string]any) model.Platform {
	var p model.Platform

	if name, ok := capability(caps, "platformName").(string); ok {
		p.Name = name
	} else if name, ok := capability(caps, "platform").(string); ok {
		p.Name = name
	}

	if version, ok := capability(caps, "platformVersion").(string); ok {
		p.Version = version
	}

	return p
}

// Package userdata resolves and renders cloud-init userdata for instances.
//
// Userdata is almost always a cloud-config document. Each instance can have
// its own template in the userdata directory, named after the instance with
// a fallback to its metadata MAC address; anything without a per-instance
// file gets the default template, which can itself be overridden from
// configuration.
package userdata

import (
	"bytes"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/sjjf/md-server/internal/config"
)

// DefaultTemplate is the built-in userdata template, used when no
// per-instance or configured default template exists.
const DefaultTemplate = `#cloud-config
hostname: {{.hostname}}
local-hostname: {{.hostname}}
fqdn: {{.hostname}}.localdomain
manage_etc_hosts: true
ssh_authorized_keys:
    - {{.public_key_default}}
`

// Renderer resolves and renders userdata templates.
type Renderer struct {
	cfg        *config.Config
	defaultTpl string
}

// New creates a Renderer. A configured default template file replaces the
// built-in default; a missing file is logged and ignored, matching the
// long-standing server behavior.
func New(cfg *config.Config) *Renderer {
	r := &Renderer{cfg: cfg, defaultTpl: DefaultTemplate}
	if cfg.Userdata.DefaultTemplate != "" {
		data, err := os.ReadFile(cfg.Userdata.DefaultTemplate)
		if err != nil {
			log.Printf("Default template file specified (%s), but not readable: %v",
				cfg.Userdata.DefaultTemplate, err)
		} else {
			r.defaultTpl = string(data)
		}
	}
	return r
}

// TemplateFor finds the userdata template for an instance. The search
// order is the instance name, the name with each configured suffix, then
// the same again for the MAC address, and finally the default template.
// mac may be empty when the instance has no recorded MAC.
func (r *Renderer) TemplateFor(hostname, mac string) string {
	names := []string{hostname}
	for _, suffix := range r.cfg.Userdata.Suffixes {
		names = append(names, hostname+suffix)
	}
	if mac != "" {
		names = append(names, mac)
		for _, suffix := range r.cfg.Userdata.Suffixes {
			names = append(names, mac+suffix)
		}
	}
	for _, name := range names {
		path := filepath.Join(r.cfg.Userdata.Dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				log.Printf("Error reading userdata at %s: %v", path, err)
			}
			continue
		}
		log.Printf("Found userdata for %s at %s", hostname, path)
		return string(data)
	}
	return r.defaultTpl
}

// Context assembles the template context for an instance: template_data
// values, public keys as public_key_<name>, the mdserver password and the
// hostname. Core keys win over template_data on collision.
func (r *Renderer) Context(hostname string) map[string]string {
	ctx := make(map[string]string, len(r.cfg.TemplateData)+len(r.cfg.PublicKeys)+2)
	for k, v := range r.cfg.TemplateData {
		ctx[k] = v
	}
	for name, key := range r.cfg.PublicKeys {
		ctx["public_key_"+name] = key
	}
	if r.cfg.Userdata.Password != "" {
		ctx["mdserver_password"] = r.cfg.Userdata.Password
	}
	ctx["hostname"] = hostname
	return ctx
}

// Render executes a userdata template for an instance. When userdata debug
// is enabled the output is also checked to parse as YAML, since a
// cloud-config with a syntax error fails silently inside the guest.
func (r *Renderer) Render(tpl, hostname string) (string, error) {
	t, err := template.New("userdata").Option("missingkey=error").Parse(tpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, r.Context(hostname)); err != nil {
		return "", err
	}
	out := buf.String()
	if r.cfg.Userdata.Debug {
		var doc map[string]interface{}
		if err := yaml.Unmarshal([]byte(out), &doc); err != nil {
			log.Printf("Rendered userdata for %s is not valid YAML: %v", hostname, err)
		}
	}
	return out, nil
}

// ForInstance resolves and renders the userdata for an instance in one
// step.
func (r *Renderer) ForInstance(hostname, mac string) (string, error) {
	return r.Render(r.TemplateFor(hostname, mac), hostname)
}

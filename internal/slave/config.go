package slave

import (
	"encoding/xml"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/SpamExperts/bitten/internal/protocol"
)

// Config describes the machine a slave runs on: property overrides for
// the detected platform values, installed packages, and optional
// credentials for the master. It is usually loaded from a YAML file
// passed with -f.
type Config struct {
	// Name overrides the detected slave name.
	Name string `yaml:"name"`

	// Properties overrides and extends the detected platform
	// properties (machine, processor, os, family, version). Useful for
	// cross builds and for free-form keys such as maintainer.
	Properties map[string]string `yaml:"properties"`

	// Packages declares installed software. Every attribute becomes a
	// dotted property, so packages.java.version yields java.version,
	// available to platform rules and recipe interpolation alike.
	Packages map[string]map[string]string `yaml:"packages"`

	// Authentication, when set, is sent as HTTP basic auth on every
	// request to the master.
	Authentication *Authentication `yaml:"authentication"`
}

// Authentication holds the credentials a slave presents to the master.
type Authentication struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// LoadConfig reads a slave configuration file. Environment variable
// references in the file are expanded before parsing, so credentials
// can stay out of the file itself.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read slave config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse slave config %s: %w", path, err)
	}
	return cfg, nil
}

// osNames maps runtime.GOOS values to the operating system names
// slaves conventionally report.
var osNames = map[string]string{
	"linux":   "Linux",
	"darwin":  "Darwin",
	"windows": "Windows",
	"freebsd": "FreeBSD",
	"openbsd": "OpenBSD",
	"netbsd":  "NetBSD",
	"solaris": "SunOS",
}

// Props returns the slave properties: the detected platform values
// overlaid with the configured ones, plus the dotted package
// properties. These drive platform matching on the master and property
// interpolation in recipes.
func (c Config) Props() map[string]string {
	props := map[string]string{
		"machine":   runtime.GOARCH,
		"processor": runtime.GOARCH,
		"family":    "posix",
	}
	if runtime.GOOS == "windows" {
		props["family"] = "nt"
	}
	if name, ok := osNames[runtime.GOOS]; ok {
		props["os"] = name
	} else {
		props["os"] = runtime.GOOS
	}
	for key, value := range c.Properties {
		props[key] = value
	}
	for pkg, attrs := range c.Packages {
		for name, value := range attrs {
			props[pkg+"."+name] = value
		}
	}
	return props
}

// Doc renders the registration document announced to the master under
// the given name and slave version.
func (c Config) Doc(name, version string) protocol.SlaveDoc {
	props := c.Props()
	doc := protocol.SlaveDoc{
		Name:    name,
		Version: version,
		Platform: &protocol.PlatformElem{
			Processor: props["processor"],
			Machine:   props["machine"],
		},
		OS: &protocol.OSElem{
			Family:  props["family"],
			Version: props["version"],
			Name:    props["os"],
		},
	}
	pkgs := make([]string, 0, len(c.Packages))
	for pkg := range c.Packages {
		pkgs = append(pkgs, pkg)
	}
	sort.Strings(pkgs)
	for _, pkg := range pkgs {
		elem := protocol.PackageElem{Name: pkg}
		attrs := c.Packages[pkg]
		names := make([]string, 0, len(attrs))
		for name := range attrs {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			elem.Attrs = append(elem.Attrs, xml.Attr{
				Name:  xml.Name{Local: name},
				Value: attrs[name],
			})
		}
		doc.Packages = append(doc.Packages, elem)
	}
	return doc
}

// DefaultName derives the slave name from the host name, lowercased
// and cut at the first dot. When no host name can be determined a
// random name keeps the slave usable.
func DefaultName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "slave-" + uuid.NewString()[:8]
	}
	if i := strings.IndexByte(host, '.'); i >= 0 {
		host = host[:i]
	}
	return strings.ToLower(host)
}

package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler decodes its arguments from data and runs a command.
type Handler func(data *[]byte) error

// Command is one entry of the data dictionary. Responses have no handler.
type Command struct {
	ID      uint16
	Name    string
	Format  string // e.g. "order=%c addr=%u"
	Handler Handler
}

// Signature is the dictionary key: the name followed by its format.
func (c *Command) Signature() string {
	if c.Format == "" {
		return c.Name
	}
	return c.Name + " " + c.Format
}

// CommandRegistry assigns ids in registration order and dispatches by id.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands []*Command
	byName   map[string]uint16
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{byName: make(map[string]uint16)}
}

// Register adds a command and returns its id. Registering a name twice
// returns the first id.
func (r *CommandRegistry) Register(name, format string, handler Handler) uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := uint16(len(r.commands))
	r.commands = append(r.commands, &Command{ID: id, Name: name, Format: format, Handler: handler})
	r.byName[name] = id
	return id
}

// RegisterResponse adds a device-to-host message.
func (r *CommandRegistry) RegisterResponse(name, format string) uint16 {
	return r.Register(name, format, nil)
}

// Lookup returns the command with the given id.
func (r *CommandRegistry) Lookup(id uint16) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(id) >= len(r.commands) {
		return nil, false
	}
	return r.commands[id], true
}

// ID returns the id registered for name.
func (r *CommandRegistry) ID(name string) (uint16, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	return id, ok
}

func (r *CommandRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.commands)
}

// Dispatch runs the handler for cmdID. It matches CommandHandler.
func (r *CommandRegistry) Dispatch(cmdID uint16, data *[]byte) error {
	cmd, ok := r.Lookup(cmdID)
	if !ok {
		return fmt.Errorf("unknown command id %d", cmdID)
	}
	if cmd.Handler == nil {
		return fmt.Errorf("%s is a response, not a command", cmd.Name)
	}
	return cmd.Handler(data)
}

// Dictionary is the data dictionary a device publishes through identify.
type Dictionary struct {
	Version       string                    `json:"version"`
	BuildVersions string                    `json:"build_versions"`
	Config        map[string]interface{}    `json:"config"`
	Commands      map[string]int            `json:"commands"`
	Responses     map[string]int            `json:"responses"`
	Enumerations  map[string]map[string]int `json:"enumerations,omitempty"`
}

// Dictionary builds the data dictionary for the registered commands.
func (r *CommandRegistry) Dictionary(config map[string]interface{}) *Dictionary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d := &Dictionary{
		Version:       Version,
		BuildVersions: "go",
		Config:        config,
		Commands:      make(map[string]int),
		Responses:     make(map[string]int),
	}
	if d.Config == nil {
		d.Config = map[string]interface{}{}
	}
	for _, c := range r.commands {
		if c.Handler != nil {
			d.Commands[c.Signature()] = int(c.ID)
		} else {
			d.Responses[c.Signature()] = int(c.ID)
		}
	}
	return d
}

// CommandID finds the id of a command by name, ignoring its format.
func (d *Dictionary) CommandID(name string) (uint16, bool) {
	return lookupName(d.Commands, name)
}

// ResponseID finds the id of a response by name, ignoring its format.
func (d *Dictionary) ResponseID(name string) (uint16, bool) {
	return lookupName(d.Responses, name)
}

func lookupName(m map[string]int, name string) (uint16, bool) {
	for sig, id := range m {
		if sig == name || strings.HasPrefix(sig, name+" ") {
			return uint16(id), true
		}
	}
	return 0, false
}

// Names returns the command and response signatures sorted by id.
func (d *Dictionary) Names() []string {
	type entry struct {
		sig string
		id  int
	}
	var all []entry
	for s, id := range d.Commands {
		all = append(all, entry{s, id})
	}
	for s, id := range d.Responses {
		all = append(all, entry{s, id})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].id < all[j].id })
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = e.sig
	}
	return out
}

// Encode serializes the dictionary, zlib-compressed when compress is set.
func (d *Dictionary) Encode(compress bool) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	if !compress {
		return raw, nil
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeDictionary parses a dictionary as published, compressed or not.
// zlib streams are recognized by their 0x78 header byte.
func DecodeDictionary(data []byte) (*Dictionary, error) {
	if len(data) >= 2 && data[0] == 0x78 {
		zr, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening compressed dictionary: %w", err)
		}
		defer zr.Close()
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(zr); err != nil {
			return nil, fmt.Errorf("inflating dictionary: %w", err)
		}
		data = buf.Bytes()
	}
	d := &Dictionary{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("parsing dictionary: %w", err)
	}
	return d, nil
}

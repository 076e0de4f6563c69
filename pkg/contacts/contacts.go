// Package contacts keeps the named remote shells a user has connected to,
// so that "tubeshell connect <name>" can reopen them.
package contacts

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

// Scheme is the URI scheme of a contact connection.
const Scheme = "tubeshell"

var ErrInvalidURI = errors.New("URI format not recognized")

// Contact is a remote shell reachable through a contact of an account.
type Contact struct {
	Account  string    `json:"account"`
	Contact  string    `json:"contact"`
	Username string    `json:"username,omitempty"`
	Relay    string    `json:"relay,omitempty"`
	LastUsed time.Time `json:"last_used,omitzero"`
}

// URI returns the "tubeshell://<account>/<contact>" form.
func (c Contact) URI() string {
	return Scheme + "://" + c.Account + "/" + c.Contact
}

// ParseURI parses the form returned by URI. The account may itself contain
// slashes; the contact is everything after the last one.
func ParseURI(uri string) (Contact, error) {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return Contact{}, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	i := strings.LastIndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return Contact{}, fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return Contact{Account: rest[:i], Contact: rest[i+1:]}, nil
}

// Store manages the contacts file.
type Store struct {
	mu       sync.Mutex
	path     string
	contacts map[string]Contact
}

// NewStore opens <dir>/contacts.json, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	s := &Store{
		path:     filepath.Join(dir, "contacts.json"),
		contacts: make(map[string]Contact),
	}

	if err := s.load(); err != nil {
		if os.IsNotExist(err) {
			if err := s.save(); err != nil {
				return nil, fmt.Errorf("failed to create contacts file: %w", err)
			}
		} else {
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, &s.contacts); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	return nil
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.contacts, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal contacts: %w", err)
	}

	return os.WriteFile(s.path, data, 0600)
}

// Add adds a contact under name. Returns an error if the name already exists.
func (s *Store) Add(name string, c Contact) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if c.Account == "" || c.Contact == "" {
		return errors.New("account and contact are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contacts[name]; exists {
		return fmt.Errorf("contact %q already exists", name)
	}

	s.contacts[name] = c
	return s.save()
}

// Get retrieves a contact by name.
func (s *Store) Get(name string) (Contact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[name]
	return c, ok
}

// Find returns the name of the contact with the given account and contact
// ID, if one is stored.
func (s *Store) Find(account, contact string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, c := range s.contacts {
		if c.Account == account && c.Contact == contact {
			return name, true
		}
	}
	return "", false
}

// Touch records that the named contact was just used.
func (s *Store) Touch(name string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[name]
	if !ok {
		return fmt.Errorf("contact %q not found", name)
	}
	c.LastUsed = at
	s.contacts[name] = c
	return s.save()
}

// Remove removes a contact by name.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contacts, name)
	return s.save()
}

// Exists checks if a contact with the given name exists.
func (s *Store) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contacts[name]
	return ok
}

// List returns all contact names, most recently used first, then by name.
func (s *Store) List() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.contacts))
	for name := range s.contacts {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		if c := s.contacts[b].LastUsed.Compare(s.contacts[a].LastUsed); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	return names
}

// rfc1123Regex validates RFC 1123 compliant names.
// Must be lowercase alphanumeric, may contain hyphens, must start and end with alphanumeric.
var rfc1123Regex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// ValidateName checks if a name is RFC 1123 compliant.
func ValidateName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name cannot be empty")
	}
	if len(name) > 63 {
		return fmt.Errorf("name cannot exceed 63 characters")
	}
	if !rfc1123Regex.MatchString(name) {
		return fmt.Errorf("name must be RFC 1123 compliant: lowercase alphanumeric, may contain hyphens, must start and end with alphanumeric")
	}
	return nil
}

var adjectives = []string{
	"quick", "bright", "calm", "bold", "cool", "keen", "swift", "warm",
	"fresh", "clear", "neat", "fair", "glad", "kind", "wise", "brave",
}

var nouns = []string{
	"shell", "tube", "pipe", "link", "port", "node", "host", "term",
	"bay", "dock", "gate", "path", "reef", "cove", "ford", "quay",
}

// GenerateName generates an unused RFC 1123 compliant name.
func (s *Store) GenerateName() string {
	for {
		name := fmt.Sprintf("%s-%s-%s",
			adjectives[randomInt(len(adjectives))],
			nouns[randomInt(len(nouns))],
			randomSuffix(),
		)
		if !s.Exists(name) {
			return name
		}
	}
}

func randomInt(max int) int {
	b := make([]byte, 1)
	rand.Read(b)
	return int(b[0]) % max
}

func randomSuffix() string {
	const chars = "abcdefghijklmnopqrstuvwxyz0123456789"
	b := make([]byte, 4)
	rand.Read(b)
	for i := range b {
		b[i] = chars[int(b[i])%len(chars)]
	}
	return string(b)
}

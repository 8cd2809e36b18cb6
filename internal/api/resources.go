package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
)

// Lister is the type-erased view of a resource, used by commands that
// work on any collection.
type Lister interface {
	Name() string
	ListRaw(ctx context.Context, query url.Values) ([]json.RawMessage, error)
	Count(ctx context.Context) (int, error)
}

// Resource is a thin CRUD service over one REST collection. It goes
// through the client pipeline and never handles authentication itself.
type Resource[T any] struct {
	client *Client
	name   string
	path   string
}

// NewResource creates a service for the collection at path
func NewResource[T any](client *Client, name, path string) *Resource[T] {
	return &Resource[T]{client: client, name: name, path: path}
}

// Name returns the collection name, e.g. "tickets"
func (r *Resource[T]) Name() string {
	return r.name
}

func (r *Resource[T]) itemPath(id int) string {
	return r.path + "/" + strconv.Itoa(id)
}

// List fetches the collection
func (r *Resource[T]) List(ctx context.Context, query url.Values) ([]T, error) {
	raw, err := r.ListRaw(ctx, query)
	if err != nil {
		return nil, err
	}
	items := make([]T, 0, len(raw))
	for _, item := range raw {
		var v T
		if err := json.Unmarshal(item, &v); err != nil {
			return nil, fmt.Errorf("failed to parse %s item: %w", r.name, err)
		}
		items = append(items, v)
	}
	return items, nil
}

// ListRaw fetches the collection without decoding the items. Both a bare
// JSON array and an {"items": [...]} envelope are accepted.
func (r *Resource[T]) ListRaw(ctx context.Context, query url.Values) ([]json.RawMessage, error) {
	var body json.RawMessage
	if err := r.client.Get(ctx, r.path, query, &body); err != nil {
		return nil, fmt.Errorf("list %s failed: %w", r.name, err)
	}
	items, err := decodeList(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s list: %w", r.name, err)
	}
	return items, nil
}

// Count returns the number of items in the collection
func (r *Resource[T]) Count(ctx context.Context) (int, error) {
	items, err := r.ListRaw(ctx, nil)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// Get fetches one item
func (r *Resource[T]) Get(ctx context.Context, id int) (*T, error) {
	var v T
	if err := r.client.Get(ctx, r.itemPath(id), nil, &v); err != nil {
		return nil, fmt.Errorf("get %s %d failed: %w", r.name, id, err)
	}
	return &v, nil
}

// Create posts a new item and returns the stored version
func (r *Resource[T]) Create(ctx context.Context, item T) (*T, error) {
	var v T
	if err := r.client.Send(ctx, http.MethodPost, r.path, item, &v); err != nil {
		return nil, fmt.Errorf("create %s failed: %w", r.name, err)
	}
	return &v, nil
}

// Update replaces an item and returns the stored version
func (r *Resource[T]) Update(ctx context.Context, id int, item T) (*T, error) {
	var v T
	if err := r.client.Send(ctx, http.MethodPut, r.itemPath(id), item, &v); err != nil {
		return nil, fmt.Errorf("update %s %d failed: %w", r.name, id, err)
	}
	return &v, nil
}

// Delete removes an item
func (r *Resource[T]) Delete(ctx context.Context, id int) error {
	if err := r.client.Send(ctx, http.MethodDelete, r.itemPath(id), nil, nil); err != nil {
		return fmt.Errorf("delete %s %d failed: %w", r.name, id, err)
	}
	return nil
}

func decodeList(body json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		err := json.Unmarshal(trimmed, &items)
		return items, err
	}
	var envelope struct {
		Items []json.RawMessage `json:"items"`
		Data  []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, err
	}
	if envelope.Items != nil {
		return envelope.Items, nil
	}
	return envelope.Data, nil
}

// Services bundles the domain services
type Services struct {
	Clients  *Resource[ClientRecord]
	Tickets  *Resource[Ticket]
	Packages *Resource[Package]
	Trips    *Resource[Trip]
	Buses    *Resource[Bus]
	Routes   *Resource[Route]
	Drivers  *Resource[Driver]
}

// NewServices creates every domain service on top of client
func NewServices(client *Client) *Services {
	return &Services{
		Clients:  NewResource[ClientRecord](client, "clients", "/clients"),
		Tickets:  NewResource[Ticket](client, "tickets", "/tickets"),
		Packages: NewResource[Package](client, "packages", "/packages"),
		Trips:    NewResource[Trip](client, "trips", "/trips"),
		Buses:    NewResource[Bus](client, "buses", "/buses"),
		Routes:   NewResource[Route](client, "routes", "/routes"),
		Drivers:  NewResource[Driver](client, "drivers", "/drivers"),
	}
}

// All returns every service in a stable order
func (s *Services) All() []Lister {
	return []Lister{s.Clients, s.Tickets, s.Packages, s.Trips, s.Buses, s.Routes, s.Drivers}
}

// Lookup finds a service by collection name
func (s *Services) Lookup(name string) (Lister, bool) {
	for _, l := range s.All() {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// Names returns the sorted collection names
func (s *Services) Names() []string {
	names := make([]string, 0, 7)
	for _, l := range s.All() {
		names = append(names, l.Name())
	}
	sort.Strings(names)
	return names
}

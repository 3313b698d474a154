package template

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTemplates     = []byte("templates")
	bucketTemplateNames = []byte("template_names")
)

// Storage persists templates in bbolt. Names are unique per account.
type Storage struct {
	db *bolt.DB
}

// NewStorage creates template storage on an open database
func NewStorage(db *bolt.DB) (*Storage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTemplates); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketTemplateNames)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create template buckets: %w", err)
	}
	return &Storage{db: db}, nil
}

func nameKey(account, name string) []byte {
	return []byte(account + "/" + name)
}

// Create stores a new template and assigns its ID
func (s *Storage) Create(ctx context.Context, tmpl *Template) error {
	if tmpl.Account == "" {
		return fmt.Errorf("template account is required")
	}
	if tmpl.Name == "" {
		return fmt.Errorf("template name is required")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		key := nameKey(tmpl.Account, tmpl.Name)
		if existing := names.Get(key); existing != nil {
			return fmt.Errorf("template %q already exists for account %s", tmpl.Name, tmpl.Account)
		}

		tmpl.ID = uuid.New().String()
		tmpl.Version = 1
		tmpl.CreatedAt = time.Now().UTC()
		tmpl.UpdatedAt = tmpl.CreatedAt

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}

		if err := templates.Put([]byte(tmpl.ID), data); err != nil {
			return err
		}
		return names.Put(key, []byte(tmpl.ID))
	})
}

// Get retrieves a template by ID, nil if absent
func (s *Storage) Get(ctx context.Context, id string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTemplates).Get([]byte(id))
		if data == nil {
			return nil
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// GetByName retrieves an account's template by name, nil if absent
func (s *Storage) GetByName(ctx context.Context, account, name string) (*Template, error) {
	var tmpl *Template

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTemplateNames).Get(nameKey(account, name))
		if id == nil {
			return nil
		}
		data := tx.Bucket(bucketTemplates).Get(id)
		if data == nil {
			return nil
		}
		tmpl = &Template{}
		return json.Unmarshal(data, tmpl)
	})

	return tmpl, err
}

// List returns templates matching the filter
func (s *Storage) List(ctx context.Context, filter ListFilter) ([]*Template, error) {
	var templates []*Template

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTemplates).Cursor()

		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var tmpl Template
			if err := json.Unmarshal(v, &tmpl); err != nil {
				continue
			}
			if filter.Account != "" && tmpl.Account != filter.Account {
				continue
			}
			if skipped < filter.Offset {
				skipped++
				continue
			}
			templates = append(templates, &tmpl)
			if filter.Limit > 0 && len(templates) >= filter.Limit {
				break
			}
		}
		return nil
	})

	return templates, err
}

// Update replaces a template's content and bumps its version
func (s *Storage) Update(ctx context.Context, tmpl *Template) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)
		names := tx.Bucket(bucketTemplateNames)

		existingData := templates.Get([]byte(tmpl.ID))
		if existingData == nil {
			return fmt.Errorf("template %s not found", tmpl.ID)
		}

		var existing Template
		if err := json.Unmarshal(existingData, &existing); err != nil {
			return err
		}

		// Account ownership never changes
		tmpl.Account = existing.Account

		if existing.Name != tmpl.Name {
			newKey := nameKey(tmpl.Account, tmpl.Name)
			if id := names.Get(newKey); id != nil {
				return fmt.Errorf("template %q already exists for account %s", tmpl.Name, tmpl.Account)
			}
			if err := names.Delete(nameKey(existing.Account, existing.Name)); err != nil {
				return err
			}
			if err := names.Put(newKey, []byte(tmpl.ID)); err != nil {
				return err
			}
		}

		tmpl.Version = existing.Version + 1
		tmpl.CreatedAt = existing.CreatedAt
		tmpl.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(tmpl)
		if err != nil {
			return fmt.Errorf("failed to marshal template: %w", err)
		}
		return templates.Put([]byte(tmpl.ID), data)
	})
}

// Delete removes a template by ID
func (s *Storage) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		templates := tx.Bucket(bucketTemplates)

		data := templates.Get([]byte(id))
		if data == nil {
			return nil
		}

		var tmpl Template
		if err := json.Unmarshal(data, &tmpl); err != nil {
			return err
		}

		if err := tx.Bucket(bucketTemplateNames).Delete(nameKey(tmpl.Account, tmpl.Name)); err != nil {
			return err
		}
		return templates.Delete([]byte(id))
	})
}

// Package resource defines the identity fields shared by every normalized resource.
package resource

// Identity holds the fields copied verbatim from a provider record.
// Every normalized resource embeds it.
type Identity struct {
	ID     string            `json:"id"`     // Join key used for id filtering (e.g. task definition family)
	Type   string            `json:"type"`   // Resource type (e.g., "ecs_task_definition")
	Name   string            `json:"name"`   // Human-readable name
	ARN    string            `json:"arn"`    // Provider ARN, empty when the provider has none
	Region string            `json:"region"` // Region (e.g., "us-east-1")
	Tags   map[string]string `json:"tags"`   // Normalized tags
}

// ResourceID returns the identifier used for snapshot lookups.
func (i Identity) ResourceID() string {
	return i.ID
}

// ResourceTags returns the normalized tags.
func (i Identity) ResourceTags() map[string]string {
	return i.Tags
}

// NewIdentity returns an Identity with an initialized tag map.
func NewIdentity(id, typ, name, arn, region string) Identity {
	return Identity{
		ID:     id,
		Type:   typ,
		Name:   name,
		ARN:    arn,
		Region: region,
		Tags:   make(map[string]string),
	}
}

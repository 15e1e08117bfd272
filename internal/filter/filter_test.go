package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldCheckType_NoFilters(t *testing.T) {
	f := New(Config{})
	assert.True(t, f.ShouldCheckType("ecs_task_definition"))
	assert.True(t, f.ShouldCheckType("s3_bucket"))
	assert.True(t, f.IsEmpty())
}

func TestShouldCheckType_WithExclusions(t *testing.T) {
	f := New(Config{ExcludeTypes: []string{"sqs_queue", "eks_cluster"}})
	assert.True(t, f.ShouldCheckType("ecs_task_definition"))
	assert.False(t, f.ShouldCheckType("sqs_queue"))
	assert.False(t, f.ShouldCheckType("eks_cluster"))
}

func TestShouldCheckType_WithInclusions(t *testing.T) {
	f := New(Config{
		IncludeTypes: []string{"ecs_task_definition", "s3_bucket"},
		ExcludeTypes: []string{"s3_bucket"},
	})
	assert.True(t, f.ShouldCheckType("ecs_task_definition"))
	assert.False(t, f.ShouldCheckType("s3_bucket"), "exclusion wins")
	assert.False(t, f.ShouldCheckType("rds_instance"))
}

func TestShouldInclude(t *testing.T) {
	tests := []struct {
		name    string
		include map[string]string
		exclude map[string]string
		tags    map[string]string
		want    bool
	}{
		{"no filters", nil, nil, map[string]string{"env": "prod"}, true},
		{"include match", map[string]string{"env": "prod"}, nil, map[string]string{"env": "prod", "team": "platform"}, true},
		{"include mismatch", map[string]string{"env": "prod"}, nil, map[string]string{"env": "dev"}, false},
		{"include missing tag", map[string]string{"env": "prod"}, nil, nil, false},
		{"include all must match", map[string]string{"env": "prod", "team": "platform"}, nil, map[string]string{"env": "prod"}, false},
		{"exclude match", nil, map[string]string{"posture": "ignore"}, map[string]string{"posture": "ignore"}, false},
		{"exclude other value", nil, map[string]string{"posture": "ignore"}, map[string]string{"posture": "check"}, true},
		{"exclude nil tags", nil, map[string]string{"posture": "ignore"}, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(Config{IncludeTags: tt.include, ExcludeTags: tt.exclude})
			assert.Equal(t, tt.want, f.ShouldInclude(tt.tags))
		})
	}
}

func TestNilFilter(t *testing.T) {
	var f *Filter
	assert.True(t, f.ShouldCheckType("anything"))
	assert.True(t, f.ShouldInclude(map[string]string{"a": "b"}))
	assert.True(t, f.IsEmpty())
	assert.False(t, f.HasTagFilters())
}

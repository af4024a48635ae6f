package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPageNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   Page
		want Page
	}{
		{"defaults", Page{}, Page{Page: 1, Limit: 50}},
		{"keeps valid", Page{Page: 3, Limit: 10}, Page{Page: 3, Limit: 10}},
		{"caps limit", Page{Page: 1, Limit: 10000}, Page{Page: 1, Limit: MaxPageLimit}},
		{"negative page", Page{Page: -2, Limit: 5}, Page{Page: 1, Limit: 5}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.Normalize(50))
		})
	}
}

func TestPageOffsetAndPages(t *testing.T) {
	p := Page{Page: 3, Limit: 20}
	assert.Equal(t, 40, p.Offset())
	assert.Equal(t, 3, p.Pages(41))
	assert.Equal(t, 2, p.Pages(40))
	assert.Equal(t, 0, p.Pages(0))

	assert.Equal(t, 0, Page{}.Offset())
	assert.Equal(t, 1, Page{}.Pages(7))
}

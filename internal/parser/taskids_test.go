package parser

import (
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskIDs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []int64
	}{
		{"commas", "1,2,3", []int64{1, 2, 3}},
		{"spaces", "1 2 3", []int64{1, 2, 3}},
		{"mixed", "597, 599  602,685", []int64{597, 599, 602, 685}},
		{"consecutive separators", ",,597,,\t599 ,", []int64{597, 599}},
		{"newlines", "5\n6\r\n7", []int64{5, 6, 7}},
		{"duplicates kept", "4,4 4", []int64{4, 4, 4}},
		{"order preserved", "9 1 5", []int64{9, 1, 5}},
		{"single", "  42  ", []int64{42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTaskIDs(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTaskIDsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		token    string
		position int
	}{
		{"word", "1, abc, 3", "abc", 2},
		{"float", "1.5", "1.5", 1},
		{"trailing garbage", "12x", "12x", 1},
		{"zero", "3 0", "0", 2},
		{"negative", "-7", "-7", 1},
		{"semicolon separator", "1;2", "1;2", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, err := ParseTaskIDs(tt.in)
			assert.Nil(t, ids)

			var perr *ParseError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.token, perr.Token)
			assert.Equal(t, tt.position, perr.Position)
			assert.Contains(t, err.Error(), tt.token)
		})
	}
}

func TestParseTaskIDsOutOfRange(t *testing.T) {
	_, err := ParseTaskIDs("99999999999999999999")
	assert.True(t, errors.Is(err, strconv.ErrRange))
}

func TestParseTaskIDsEmpty(t *testing.T) {
	for _, in := range []string{"", "   ", ",, ,"} {
		_, err := ParseTaskIDs(in)
		assert.ErrorIs(t, err, ErrNoTaskIDs, "input %q", in)
	}
}

package visa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupAttribute(t *testing.T) {
	a, ok := LookupAttribute("tmo_value")
	require.True(t, ok)
	assert.Equal(t, AttrTmoValue, a)

	a, ok = LookupAttribute("VI_ATTR_TERMCHAR")
	require.True(t, ok)
	assert.Equal(t, AttrTermChar, a)

	_, ok = LookupAttribute("VI_ATTR_NOPE")
	assert.False(t, ok)

	assert.Contains(t, AttributeNames(), "VI_ATTR_RSRC_NAME")
}

func TestAttributeParseValue(t *testing.T) {
	tests := []struct {
		attr    Attribute
		text    string
		want    any
		wantErr bool
	}{
		{AttrTmoValue, "5000", uint32(5000), false},
		{AttrTermChar, "0x0D", uint32(0x0D), false},
		{AttrTermChar, `'\n'`, byte('\n'), false},
		{AttrTermChar, "'ab'", nil, true},
		{AttrTermCharEn, "off", false, false},
		{AttrSendEndEn, "true", true, false},
		{AttrSendEndEn, "maybe", nil, true},
		{AttrUserData, "bench 3", "bench 3", false},
		{AttrMaxQueueLength, "-1", nil, true},
		{AttrBuffer, "x", nil, true},
		{Attribute(1), "1", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.attr.Name()+"="+tt.text, func(t *testing.T) {
			got, err := tt.attr.ParseValue(tt.text)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsedValueIsSettable(t *testing.T) {
	rm, _ := newSimRM(t)
	s := openSession(t, rm, "GPIB0::22::INSTR")

	v, err := AttrTermChar.ParseValue(`'\r'`)
	require.NoError(t, err)
	require.NoError(t, s.SetAttribute(AttrTermChar, v))

	got, err := s.GetAttribute(AttrTermChar)
	require.NoError(t, err)
	assert.Equal(t, byte('\r'), got)
}

package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperations(t *testing.T) {
	tests := []struct {
		raw  string
		want Operations
	}{
		{"_", Operations{}},
		{"w_800", Operations{Width: 800}},
		{"w_800,q_80,f_webp,fit_cover", Operations{Width: 800, Quality: 80, Format: FormatWebP, Fit: FitCover}},
		{"h_600,f_jpg", Operations{Height: 600, Format: FormatJPEG}},
		{"f_AUTO", Operations{Format: FormatAuto}},
		{"dpr_1.5,blur_2", Operations{DPR: 1.5, Blur: 2}},
		{"rotate_0", Operations{HasRotate: true}},
		{"rotate_270,fit_inside", Operations{Rotate: 270, HasRotate: true, Fit: FitInside}},
		{"q_1", Operations{Quality: 1}},
		{"q_100", Operations{Quality: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseOperations(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseOperations_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"w",
		"w_",
		"_800",
		"w_800,",
		"w_800,,q_80",
		"w_0",
		"w_-1",
		"w_9000",
		"w_abc",
		"q_0",
		"q_101",
		"f_bmp",
		"fit_stretch",
		"dpr_0.5",
		"dpr_5",
		"dpr_NaN",
		"blur_0",
		"rotate_45",
		"crop_10",
		"w_100,w_200",
		"_,w_100",
	} {
		t.Run(raw, func(t *testing.T) {
			_, err := ParseOperations(raw)
			assert.ErrorIs(t, err, ErrInvalidOperation)
		})
	}
}

func TestOperations_String(t *testing.T) {
	ops, err := ParseOperations("f_jpg,q_75,w_320,rotate_90")
	require.NoError(t, err)
	assert.Equal(t, "w_320,q_75,f_jpeg,rotate_90", ops.String())

	again, err := ParseOperations(ops.String())
	require.NoError(t, err)
	assert.Equal(t, ops, again)

	assert.Equal(t, "_", Operations{}.String())
}

func TestOperations_IsPassthrough(t *testing.T) {
	assert.True(t, Operations{}.IsPassthrough())
	assert.False(t, Operations{Width: 1}.IsPassthrough())
	assert.False(t, Operations{HasRotate: true}.IsPassthrough())
}

func TestFormat_ContentType(t *testing.T) {
	assert.Equal(t, "image/webp", FormatWebP.ContentType())
	assert.Equal(t, "image/jpeg", FormatJPEG.ContentType())
	assert.Equal(t, "", FormatAuto.ContentType())
	assert.Equal(t, "", Format("").ContentType())
}

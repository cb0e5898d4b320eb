package schema

import "github.com/animus-labs/reelforge/internal/domain"

var resolutions = []string{"720p", "1080p", "4k"}

var builtinSchemas = []TypeSchema{
	{
		Type: domain.NodeTypeAsset,
		Config: []FieldSpec{
			{Name: "kind", Kind: KindString, Required: true, Allowed: []string{"video", "audio", "image", "text"}},
			{Name: "storage_key", Kind: KindString},
			{Name: "text", Kind: KindString},
			{Name: "content_type", Kind: KindString},
			{Name: "duration_seconds", Kind: KindNumber},
		},
	},
	{
		Type: domain.NodeTypeGenerateTalkingHead,
		Inputs: []SlotSpec{
			{Name: "audio", Required: true},
			{Name: "background"},
		},
		Config: []FieldSpec{
			{Name: "avatar_id", Kind: KindString, Required: true},
			{Name: "resolution", Kind: KindString, Allowed: []string{"720p", "1080p"}},
		},
	},
	{
		Type: domain.NodeTypeGenerateAnimation,
		Inputs: []SlotSpec{
			{Name: "reference"},
		},
		Config: []FieldSpec{
			{Name: "prompt", Kind: KindString, Required: true},
			{Name: "style", Kind: KindString, Allowed: []string{"2d", "3d", "whiteboard"}},
			{Name: "duration_seconds", Kind: KindInteger},
		},
	},
	{
		Type: domain.NodeTypeGenerateVoiceover,
		Inputs: []SlotSpec{
			{Name: "script", Required: true},
		},
		Config: []FieldSpec{
			{Name: "voice_id", Kind: KindString, Required: true},
			{Name: "model", Kind: KindString},
			{Name: "speed", Kind: KindNumber},
		},
	},
	{
		Type: domain.NodeTypeRenderCode,
		Inputs: []SlotSpec{
			{Name: "audio"},
		},
		Config: []FieldSpec{
			{Name: "code", Kind: KindString, Required: true},
			{Name: "engine", Kind: KindString, Required: true, Allowed: []string{"manim", "remotion", "html"}},
			{Name: "resolution", Kind: KindString, Allowed: resolutions},
		},
	},
	{
		Type: domain.NodeTypeMixAudio,
		Inputs: []SlotSpec{
			{Name: "tracks", Multi: true, Required: true, Min: 1, Max: 16},
			{Name: "background"},
		},
		Config: []FieldSpec{
			{Name: "normalize", Kind: KindBoolean},
			{Name: "ducking_db", Kind: KindNumber},
		},
	},
	{
		Type: domain.NodeTypeMergeVideos,
		Inputs: []SlotSpec{
			{Name: "segments", Multi: true, Required: true, Min: 2, Max: 64},
		},
		Config: []FieldSpec{
			{Name: "transition", Kind: KindString, Allowed: []string{"none", "crossfade", "fade"}},
			{Name: "transition_duration", Kind: KindNumber},
		},
	},
	{
		Type: domain.NodeTypeComposeVideo,
		Inputs: []SlotSpec{
			{Name: "video", Required: true},
			{Name: "audio"},
			{Name: "overlays", Multi: true, Max: 10},
		},
		Config: []FieldSpec{
			{Name: "layout", Kind: KindString, Required: true, Allowed: []string{"fullscreen", "picture_in_picture", "split"}},
			{Name: "resolution", Kind: KindString, Allowed: resolutions},
		},
	},
}

// Builtin returns the registry for the v1 node type catalogue.
func Builtin() *Registry {
	r, err := NewRegistry(builtinSchemas...)
	if err != nil {
		panic("schema: invalid builtin catalogue: " + err.Error())
	}
	return r
}

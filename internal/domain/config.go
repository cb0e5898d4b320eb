package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// NodeConfig is the type-specific configuration of a node. Implementations are
// the eight *Config structs in this file; the set is closed.
type NodeConfig interface {
	NodeType() NodeType
	isNodeConfig()
}

type AssetConfig struct {
	Kind            ArtifactKind `json:"kind,omitempty"`
	StorageKey      string       `json:"storage_key,omitempty"`
	Text            string       `json:"text,omitempty"`
	ContentType     string       `json:"content_type,omitempty"`
	DurationSeconds float64      `json:"duration_seconds,omitempty"`
}

type VoiceoverConfig struct {
	VoiceID string  `json:"voice_id,omitempty"`
	Model   string  `json:"model,omitempty"`
	Speed   float64 `json:"speed,omitempty"`
}

type TalkingHeadConfig struct {
	AvatarID   string `json:"avatar_id,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

type AnimationConfig struct {
	Prompt          string `json:"prompt,omitempty"`
	Style           string `json:"style,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

type RenderCodeConfig struct {
	Code       string `json:"code,omitempty"`
	Engine     string `json:"engine,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

type MixAudioConfig struct {
	Normalize bool    `json:"normalize,omitempty"`
	DuckingDB float64 `json:"ducking_db,omitempty"`
}

type MergeVideosConfig struct {
	Transition         string  `json:"transition,omitempty"`
	TransitionDuration float64 `json:"transition_duration,omitempty"`
}

type ComposeVideoConfig struct {
	Layout     string `json:"layout,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

func (AssetConfig) NodeType() NodeType        { return NodeTypeAsset }
func (VoiceoverConfig) NodeType() NodeType    { return NodeTypeGenerateVoiceover }
func (TalkingHeadConfig) NodeType() NodeType  { return NodeTypeGenerateTalkingHead }
func (AnimationConfig) NodeType() NodeType    { return NodeTypeGenerateAnimation }
func (RenderCodeConfig) NodeType() NodeType   { return NodeTypeRenderCode }
func (MixAudioConfig) NodeType() NodeType     { return NodeTypeMixAudio }
func (MergeVideosConfig) NodeType() NodeType  { return NodeTypeMergeVideos }
func (ComposeVideoConfig) NodeType() NodeType { return NodeTypeComposeVideo }

func (AssetConfig) isNodeConfig()        {}
func (VoiceoverConfig) isNodeConfig()    {}
func (TalkingHeadConfig) isNodeConfig()  {}
func (AnimationConfig) isNodeConfig()    {}
func (RenderCodeConfig) isNodeConfig()   {}
func (MixAudioConfig) isNodeConfig()     {}
func (MergeVideosConfig) isNodeConfig()  {}
func (ComposeVideoConfig) isNodeConfig() {}

// EncodeConfig renders cfg as its JSON wire form.
func EncodeConfig(cfg NodeConfig) (json.RawMessage, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", cfg.NodeType(), err)
	}
	return raw, nil
}

// DecodeConfig strictly decodes raw into the config struct for t.
// It does not apply schema rules; see schema.Registry.DecodeConfig.
func DecodeConfig(t NodeType, raw json.RawMessage) (NodeConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = json.RawMessage("{}")
	}
	switch t {
	case NodeTypeAsset:
		return decodeAs[AssetConfig](raw)
	case NodeTypeGenerateVoiceover:
		return decodeAs[VoiceoverConfig](raw)
	case NodeTypeGenerateTalkingHead:
		return decodeAs[TalkingHeadConfig](raw)
	case NodeTypeGenerateAnimation:
		return decodeAs[AnimationConfig](raw)
	case NodeTypeRenderCode:
		return decodeAs[RenderCodeConfig](raw)
	case NodeTypeMixAudio:
		return decodeAs[MixAudioConfig](raw)
	case NodeTypeMergeVideos:
		return decodeAs[MergeVideosConfig](raw)
	case NodeTypeComposeVideo:
		return decodeAs[ComposeVideoConfig](raw)
	default:
		return nil, fmt.Errorf("unknown node type %q", t)
	}
}

func decodeAs[T NodeConfig](raw []byte) (NodeConfig, error) {
	var c T
	if err := decodeStrict(raw, &c); err != nil {
		return nil, err
	}
	return c, nil
}

func decodeStrict(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("decode config: multiple JSON values")
	}
	return nil
}

// Package socialdag stores profiles and feeds as immutable content-addressed
// nodes and walks them back newest first.
package socialdag

import (
	"encoding/json"
	"errors"
	"fmt"

	"socialmesh/go-node/pkg/models"
)

const (
	NodeVersion = "2.0"

	TypeProfileRoot = "profile_root"
	TypePost        = "social_post"
)

var (
	ErrUnknownNodeType = errors.New("unknown dag node type")
	ErrMalformedNode   = errors.New("malformed dag node")
	ErrNotProfileRoot  = errors.New("dag node is not a profile root")
)

// Node is one of *ProfileRoot or *Post.
type Node interface {
	NodeType() string
	isNode()
}

// ProfileRoot is the entry point of an identity's published state. FeedHead is
// the id of the newest post, or "" for an empty feed.
type ProfileRoot struct {
	Version  string
	Profile  models.Profile
	FeedHead string
}

// Post is one feed entry. Prev is "" for the oldest post.
type Post struct {
	Version   string
	Timestamp string
	Data      json.RawMessage
	Prev      string
}

func (*ProfileRoot) NodeType() string { return TypeProfileRoot }
func (*Post) NodeType() string        { return TypePost }
func (*ProfileRoot) isNode()          {}
func (*Post) isNode()                 {}

type profileRootWire struct {
	Version  string         `json:"version"`
	Type     string         `json:"type"`
	Profile  models.Profile `json:"profile"`
	FeedHead *string        `json:"feed_head"`
}

type postWire struct {
	Version   string          `json:"version"`
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Prev      *string         `json:"prev"`
}

func (p *ProfileRoot) MarshalJSON() ([]byte, error) {
	return json.Marshal(profileRootWire{
		Version:  versionOrDefault(p.Version),
		Type:     TypeProfileRoot,
		Profile:  p.Profile,
		FeedHead: link(p.FeedHead),
	})
}

func (p *Post) MarshalJSON() ([]byte, error) {
	data := p.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(postWire{
		Version:   versionOrDefault(p.Version),
		Type:      TypePost,
		Timestamp: p.Timestamp,
		Data:      data,
		Prev:      link(p.Prev),
	})
}

func versionOrDefault(v string) string {
	if v == "" {
		return NodeVersion
	}
	return v
}

func link(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

func unlink(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

// DecodeNode parses the JSON form of a DAG node, dispatching on its type field.
func DecodeNode(raw []byte) (Node, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedNode, err)
	}
	switch head.Type {
	case TypeProfileRoot:
		var w profileRootWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNode, err)
		}
		return &ProfileRoot{Version: w.Version, Profile: w.Profile, FeedHead: unlink(w.FeedHead)}, nil
	case TypePost:
		var w postWire
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedNode, err)
		}
		return &Post{Version: w.Version, Timestamp: w.Timestamp, Data: w.Data, Prev: unlink(w.Prev)}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, head.Type)
	}
}

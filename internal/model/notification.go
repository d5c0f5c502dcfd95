package model

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// IconKind tags the variant held by an Icon.
type IconKind int

const (
	IconNone IconKind = iota
	IconThemed
	IconFile
	IconBytes
)

// Icon is a closed sum of icon references. The zero value is IconNone.
type Icon struct {
	Kind  IconKind
	Names []string
	Path  string
	Data  []byte
}

func ThemedIcon(names ...string) Icon {
	return Icon{Kind: IconThemed, Names: names}
}

func FileIcon(path string) Icon {
	return Icon{Kind: IconFile, Path: path}
}

func BytesIcon(data []byte) Icon {
	return Icon{Kind: IconBytes, Data: data}
}

// ParseIcon normalizes a string icon reference: absolute paths and file URIs
// become file icons, anything else a themed name.
func ParseIcon(s string) Icon {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Icon{}
	case strings.HasPrefix(s, "file://"):
		u, err := url.Parse(s)
		if err != nil || u.Path == "" {
			return Icon{}
		}
		return FileIcon(u.Path)
	case filepath.IsAbs(s):
		return FileIcon(s)
	default:
		return ThemedIcon(s)
	}
}

// Name returns a string usable as a desktop icon name or path, empty for bytes and none.
func (i Icon) Name() string {
	switch i.Kind {
	case IconThemed:
		if len(i.Names) > 0 {
			return i.Names[0]
		}
	case IconFile:
		return i.Path
	}
	return ""
}

// NotificationEvent is a local notification observed on the desktop.
type NotificationEvent struct {
	ID      string
	AppID   string
	Title   string
	Text    string
	Icon    Icon
	Actions []string
	ReplyID string
	Time    time.Time
}

// AppPolicy is the per-application forwarding setting.
type AppPolicy struct {
	IconName string `json:"iconName"`
	Enabled  bool   `json:"enabled"`
}

// Action is a named local action with its bound parameter.
type Action struct {
	Name string
	// Target is the notification id, reply id or default text the action operates on.
	Target  string
	Value   string
	Context map[string]string
}

type Button struct {
	Label  string
	Action Action
}

// Notification is what gets handed to the local notification sink.
type Notification struct {
	ID      string
	Title   string
	Body    string
	Icon    Icon
	Action  *Action
	Buttons []Button
}

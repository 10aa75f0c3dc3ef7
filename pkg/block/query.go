package block

import (
	"encoding/json"
	"strings"
)

// BitmapInfo describes one dirty bitmap for queries.
type BitmapInfo struct {
	Name        string       `json:"name,omitempty"`
	Granularity uint32       `json:"granularity"`
	Count       int64        `json:"count"`
	Status      BitmapStatus `json:"status"`
}

// NodeInfo is the externally visible description of one node.
type NodeInfo struct {
	NodeName   string `json:"node-name"`
	DeviceName string `json:"device,omitempty"`
	Driver     string `json:"driver,omitempty"`
	Filename   string `json:"filename,omitempty"`
	ReadOnly   bool   `json:"read-only"`
	Encrypted  bool   `json:"encrypted,omitempty"`
	Size       int64  `json:"virtual-size"`

	BackingFilename string `json:"backing-filename,omitempty"`
	BackingFormat   string `json:"backing-format,omitempty"`
	BackingDepth    int    `json:"backing-depth"`

	DirtyBitmaps []BitmapInfo `json:"dirty-bitmaps,omitempty"`
}

// Info snapshots the node's externally visible state.
func (n *Node) Info() NodeInfo {
	info := NodeInfo{
		NodeName:        n.name,
		DeviceName:      n.deviceName,
		Driver:          n.DriverName(),
		Filename:        n.filename,
		ReadOnly:        n.readOnly,
		Encrypted:       n.encrypted,
		Size:            n.totalSectors * SectorSize,
		BackingFilename: n.backingFilename,
		BackingFormat:   n.backingFormat,
		BackingDepth:    BackingChainDepth(n) - 1,
	}
	for _, b := range n.bitmaps {
		info.DirtyBitmaps = append(info.DirtyBitmaps, BitmapInfo{
			Name:        b.Name(),
			Granularity: b.Granularity(),
			Count:       b.Count(),
			Status:      b.Status(),
		})
	}
	return info
}

// isGenericOptionKey reports the options FullOpenOptions re-derives
// rather than copying from the stored option maps.
func isGenericOptionKey(k string) bool {
	switch k {
	case OptDriver, OptFilename, OptNodeName, OptBacking:
		return true
	}
	return false
}

// FullOpenOptions projects the node and its subtree into a single nested
// options map that, given to Open, reproduces an equivalent node. Child
// configuration appears as nested maps under the edge name.
func (n *Node) FullOpenOptions() Options {
	opts := Options{}

	for k, v := range n.explicitOptions {
		if isGenericOptionKey(k) || strings.Contains(k, ".") {
			continue
		}
		if _, isMap := toOptions(v); isMap {
			continue
		}
		opts[k] = v
	}

	opts[OptDriver] = n.DriverName()
	if n.drv != nil && n.drv.Protocol() && n.filename != "" {
		opts[OptFilename] = n.filename
	}
	if n.file != nil {
		opts["file"] = map[string]any(n.file.node.FullOpenOptions())
	}
	if n.backing != nil {
		opts[OptBacking] = map[string]any(n.backing.node.FullOpenOptions())
	} else if n.openFlags.has(FlagNoBacking) {
		opts[OptBacking] = ""
	}

	return opts
}

// ReconstructFilename returns a filename that reopens an equivalent node:
// the plain filename when one exists, otherwise a "json:{...}" encoding of
// FullOpenOptions. Format nodes borrow the filename of their file child
// when that child has a plain one.
func (n *Node) ReconstructFilename() string {
	if n.drv == nil {
		return ""
	}
	if n.drv.Protocol() {
		if n.filename != "" {
			return n.filename
		}
	} else if n.file != nil {
		exact := n.file.node.ReconstructFilename()
		if exact != "" && !strings.HasPrefix(exact, jsonFilenamePrefix) {
			return exact
		}
	}

	encoded, err := json.Marshal(map[string]any(n.FullOpenOptions()))
	if err != nil {
		return ""
	}
	return jsonFilenamePrefix + string(encoded)
}

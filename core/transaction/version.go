package transaction

import "fmt"

// Version orders transactions and entry locks across the cluster.
type Version struct {
	TopologyVersion uint64 `json:"top_ver" codec:"top_ver"`
	Order           uint64 `json:"order" codec:"order"`
	NodeOrder       int64  `json:"node_order" codec:"node_order"`
}

// IsZero reports whether v was never assigned.
func (v Version) IsZero() bool { return v == Version{} }

// Compare returns -1, 0 or 1.
func (v Version) Compare(o Version) int {
	switch {
	case v.TopologyVersion != o.TopologyVersion:
		return cmp64(v.TopologyVersion, o.TopologyVersion)
	case v.Order != o.Order:
		return cmp64(v.Order, o.Order)
	case v.NodeOrder < o.NodeOrder:
		return -1
	case v.NodeOrder > o.NodeOrder:
		return 1
	}
	return 0
}

func cmp64(a, b uint64) int {
	if a < b {
		return -1
	}
	return 1
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.TopologyVersion, v.Order, v.NodeOrder)
}

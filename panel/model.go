package panel

import (
	"fmt"

	simplejson "github.com/bitly/go-simplejson"
)

// Node is one edge server registered on the panel.
type Node struct {
	NodeID      int
	NodeName    string
	NodeAddress string
	Status      string
	Message     string
}

const NodeStatusConnected = "connected"

// UserDetails is the subset of the panel user object the guard needs.
type UserDetails struct {
	Username string
	Status   string
	GroupIDs []int
}

type Group struct {
	ID   int
	Name string
}

// decodeNodes accepts the three response shapes panels are known to emit
// for /api/nodes: a bare array, {"nodes": [...]} or {"data": [...]}, and a
// single-node object carrying "id" and "name".
func decodeNodes(body []byte) ([]Node, error) {
	js, err := simplejson.NewJson(body)
	if err != nil {
		return nil, fmt.Errorf("decode node list: %w", err)
	}

	if arr, err := js.Array(); err == nil {
		nodes := make([]Node, 0, len(arr))
		for i := range arr {
			nodes = append(nodes, decodeNode(js.GetIndex(i)))
		}
		return nodes, nil
	}

	for _, key := range []string{"nodes", "data"} {
		inner := js.Get(key)
		if arr, err := inner.Array(); err == nil {
			nodes := make([]Node, 0, len(arr))
			for i := range arr {
				nodes = append(nodes, decodeNode(inner.GetIndex(i)))
			}
			return nodes, nil
		}
	}

	if _, ok := js.CheckGet("id"); ok {
		if _, ok := js.CheckGet("name"); ok {
			return []Node{decodeNode(js)}, nil
		}
	}

	return nil, fmt.Errorf("decode node list: unrecognized shape")
}

func decodeNode(js *simplejson.Json) Node {
	n := Node{
		NodeID:      js.Get("id").MustInt(),
		NodeName:    js.Get("name").MustString(),
		NodeAddress: js.Get("address").MustString(),
		Status:      js.Get("status").MustString(),
		Message:     js.Get("message").MustString(),
	}
	if n.NodeID == 0 {
		n.NodeID = js.Get("node_id").MustInt()
	}
	if n.NodeName == "" {
		n.NodeName = js.Get("node_name").MustString()
	}
	if n.NodeAddress == "" {
		n.NodeAddress = js.Get("node_address").MustString()
	}
	return n
}

func decodeUserDetails(body []byte) (*UserDetails, error) {
	js, err := simplejson.NewJson(body)
	if err != nil {
		return nil, fmt.Errorf("decode user details: %w", err)
	}
	d := &UserDetails{
		Username: js.Get("username").MustString(),
		Status:   js.Get("status").MustString(),
	}
	if arr, err := js.Get("group_ids").Array(); err == nil {
		for i := range arr {
			d.GroupIDs = append(d.GroupIDs, js.Get("group_ids").GetIndex(i).MustInt())
		}
	}
	return d, nil
}

func decodeGroups(body []byte) ([]Group, error) {
	js, err := simplejson.NewJson(body)
	if err != nil {
		return nil, fmt.Errorf("decode group list: %w", err)
	}
	inner := js
	if _, err := js.Array(); err != nil {
		inner = js.Get("groups")
	}
	arr, err := inner.Array()
	if err != nil {
		return nil, fmt.Errorf("decode group list: unrecognized shape")
	}
	groups := make([]Group, 0, len(arr))
	for i := range arr {
		item := inner.GetIndex(i)
		groups = append(groups, Group{
			ID:   item.Get("id").MustInt(),
			Name: item.Get("name").MustString(),
		})
	}
	return groups, nil
}

package models

// Peer is the public view of a registered device as sent in peers_list.
type Peer struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Package cfdns is a typed wrapper over the Cloudflare DNS HTTP API.
package cfdns

import "fmt"

// RecordType is a DNS record type this system manages.
type RecordType string

const (
	TypeA     RecordType = "A"
	TypeAAAA  RecordType = "AAAA"
	TypeCNAME RecordType = "CNAME"
)

// Record represents a DNS record, provider-assigned ID included once known.
type Record struct {
	ID      string
	ZoneID  string
	Type    RecordType
	Name    string
	Content string
	TTL     int
	Proxied bool
	Comment string
}

// CNAMEForTunnel builds the record this system writes to route a hostname at
// a named tunnel: content must be "<tunnelID>.cfargotunnel.com", proxied=false.
func CNAMEForTunnel(hostname, tunnelID string, ttl int) Record {
	if ttl <= 0 {
		ttl = 300
	}
	return Record{
		Type:    TypeCNAME,
		Name:    hostname,
		Content: fmt.Sprintf("%s.cfargotunnel.com", tunnelID),
		TTL:     ttl,
		Proxied: false,
		Comment: "created by cftunnel",
	}
}

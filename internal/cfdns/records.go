package cfdns

import (
	"errors"
	"fmt"

	"context"

	cf "github.com/cloudflare/cloudflare-go/v6"
	"github.com/cloudflare/cloudflare-go/v6/dns"
	"github.com/rs/zerolog/log"

	"github.com/channinghe/cftunnel/internal/classify"
)

// ErrNotFound is returned by GetRecordByName when no record of the requested
// name and type exists.
var ErrNotFound = errors.New("dns record not found")

// CreateRecord creates a DNS record, resolving the zone id first if the
// caller didn't already supply one.
func (c *Client) CreateRecord(ctx context.Context, record Record) (Record, error) {
	zoneID := record.ZoneID
	if zoneID == "" {
		var err error
		zoneID, err = c.ZoneID(ctx, record.Name)
		if err != nil {
			return Record{}, err
		}
	}

	body, err := buildBody(record)
	if err != nil {
		return Record{}, err
	}

	result, err := c.api.DNS.Records.New(ctx, dns.RecordNewParams{
		ZoneID: cf.F(zoneID),
		Body:   body,
	})
	if err != nil {
		return Record{}, classifyAPIErr(err, "create")
	}

	out := fromResponse(result, zoneID)
	log.Info().Str("id", out.ID).Str("name", out.Name).Str("content", out.Content).Msg("created dns record")
	return out, nil
}

// GetRecordByName looks up a single record by exact hostname and type.
// Returns ErrNotFound (not an error value from the classifier) when absent.
func (c *Client) GetRecordByName(ctx context.Context, hostname string, recordType RecordType) (Record, error) {
	zoneID, err := c.ZoneID(ctx, hostname)
	if err != nil {
		return Record{}, err
	}

	page, err := c.api.DNS.Records.List(ctx, dns.RecordListParams{
		ZoneID: cf.F(zoneID),
		Name:   cf.F(dns.RecordListParamsName{Exact: cf.F(hostname)}),
		Type:   cf.F(dns.RecordListParamsType(recordType)),
	})
	if err != nil {
		return Record{}, classifyAPIErr(err, "list")
	}
	if len(page.Result) == 0 {
		return Record{}, ErrNotFound
	}
	return fromResponse(&page.Result[0], zoneID), nil
}

// ListRecordsByName lists every record (any type) matching a hostname, used
// by the reconciler's conflict-resolution layer.
func (c *Client) ListRecordsByName(ctx context.Context, hostname string) ([]Record, error) {
	zoneID, err := c.ZoneID(ctx, hostname)
	if err != nil {
		return nil, err
	}

	page, err := c.api.DNS.Records.List(ctx, dns.RecordListParams{
		ZoneID: cf.F(zoneID),
		Name:   cf.F(dns.RecordListParamsName{Exact: cf.F(hostname)}),
	})
	if err != nil {
		return nil, classifyAPIErr(err, "list")
	}

	out := make([]Record, 0, len(page.Result))
	for i := range page.Result {
		out = append(out, fromResponse(&page.Result[i], zoneID))
	}
	return out, nil
}

// UpdateRecord updates an existing record in place.
func (c *Client) UpdateRecord(ctx context.Context, record Record) (Record, error) {
	if record.ID == "" {
		return Record{}, fmt.Errorf("record id is required for update")
	}

	zoneID := record.ZoneID
	if zoneID == "" {
		var err error
		zoneID, err = c.ZoneID(ctx, record.Name)
		if err != nil {
			return Record{}, err
		}
	}

	body, err := buildUpdateBody(record)
	if err != nil {
		return Record{}, err
	}

	result, err := c.api.DNS.Records.Update(ctx, record.ID, dns.RecordUpdateParams{
		ZoneID: cf.F(zoneID),
		Body:   body,
	})
	if err != nil {
		return Record{}, classifyAPIErr(err, "update")
	}

	out := fromResponse(result, zoneID)
	log.Info().Str("id", out.ID).Str("content", out.Content).Msg("updated dns record")
	return out, nil
}

// DeleteRecord deletes a record. A 404 from the API is treated as success,
// so calling it twice on the same record is harmless.
func (c *Client) DeleteRecord(ctx context.Context, zoneID, recordID string) error {
	_, err := c.api.DNS.Records.Delete(ctx, recordID, dns.RecordDeleteParams{
		ZoneID: cf.F(zoneID),
	})
	if err != nil {
		if classify.ContainsAny(err.Error(), "not found", "404", "does not exist") {
			return nil
		}
		return classifyAPIErr(err, "delete")
	}
	log.Info().Str("id", recordID).Msg("deleted dns record")
	return nil
}

func buildBody(record Record) (dns.RecordNewParamsBodyUnion, error) {
	ttl := dns.TTL(1)
	if record.TTL > 0 {
		ttl = dns.TTL(record.TTL)
	}

	switch record.Type {
	case TypeA:
		return dns.ARecordParam{
			Name: cf.F(record.Name), TTL: cf.F(ttl), Type: cf.F(dns.ARecordTypeA),
			Content: cf.F(record.Content), Proxied: cf.F(record.Proxied), Comment: cf.F(record.Comment),
		}, nil
	case TypeAAAA:
		return dns.AAAARecordParam{
			Name: cf.F(record.Name), TTL: cf.F(ttl), Type: cf.F(dns.AAAARecordTypeAAAA),
			Content: cf.F(record.Content), Proxied: cf.F(record.Proxied), Comment: cf.F(record.Comment),
		}, nil
	case TypeCNAME:
		return dns.CNAMERecordParam{
			Name: cf.F(record.Name), TTL: cf.F(ttl), Type: cf.F(dns.CNAMERecordTypeCNAME),
			Content: cf.F(record.Content), Proxied: cf.F(record.Proxied), Comment: cf.F(record.Comment),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported dns record type: %s", record.Type)
	}
}

func buildUpdateBody(record Record) (dns.RecordUpdateParamsBodyUnion, error) {
	ttl := dns.TTL(1)
	if record.TTL > 0 {
		ttl = dns.TTL(record.TTL)
	}

	switch record.Type {
	case TypeA:
		return dns.ARecordParam{
			Name: cf.F(record.Name), TTL: cf.F(ttl), Type: cf.F(dns.ARecordTypeA),
			Content: cf.F(record.Content), Proxied: cf.F(record.Proxied), Comment: cf.F(record.Comment),
		}, nil
	case TypeAAAA:
		return dns.AAAARecordParam{
			Name: cf.F(record.Name), TTL: cf.F(ttl), Type: cf.F(dns.AAAARecordTypeAAAA),
			Content: cf.F(record.Content), Proxied: cf.F(record.Proxied), Comment: cf.F(record.Comment),
		}, nil
	case TypeCNAME:
		return dns.CNAMERecordParam{
			Name: cf.F(record.Name), TTL: cf.F(ttl), Type: cf.F(dns.CNAMERecordTypeCNAME),
			Content: cf.F(record.Content), Proxied: cf.F(record.Proxied), Comment: cf.F(record.Comment),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported dns record type: %s", record.Type)
	}
}

func fromResponse(resp *dns.RecordResponse, zoneID string) Record {
	return Record{
		ID:      resp.ID,
		ZoneID:  zoneID,
		Type:    RecordType(resp.Type),
		Name:    resp.Name,
		Content: resp.Content,
		TTL:     int(resp.TTL),
		Proxied: resp.Proxied,
		Comment: resp.Comment,
	}
}

// classifyAPIErr wraps a cloudflare-go error, attaching the classifier's
// verdict so callers can branch on classify.Kind instead of substring text.
func classifyAPIErr(err error, op string) error {
	res := classify.Match(err.Error())
	return fmt.Errorf("%s: %w (kind=%s)", op, err, res.Kind)
}

package main

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

// HTTP tracker protocol constants (BEP 3 / BEP 23)
const (
	defaultNumWant    = 50  // peers returned when the client doesn't ask
	maxNumWant        = 200 // hard cap on peers per response
	maxScrapeHashes   = 100 // per-request limit on scraped torrents
	compactPeerSizeV4 = 6   // 4-byte address + 2-byte port, big-endian
	compactPeerSizeV6 = 18  // 16-byte address + 2-byte port, big-endian
)

// protocolError is a malformed-request failure. Always recoverable locally:
// answered with a bencoded "failure reason" body and HTTP 200, since
// BitTorrent clients expect protocol-level, not transport-level, signaling.
type protocolError struct {
	reason string
}

func (e *protocolError) Error() string { return e.reason }

func protoErrorf(format string, v ...any) error {
	return &protocolError{reason: fmt.Sprintf(format, v...)}
}

// queryParams is a raw query-string parser. The stdlib url.Values cannot be
// used for announce requests: info_hash and peer_id are percent-encoded raw
// bytes and must survive decoding untouched, including interior NULs.
type queryParams struct {
	single map[string]string
	multi  map[string][]string
}

func parseQuery(rawQuery string) (*queryParams, error) {
	qp := &queryParams{
		single: make(map[string]string),
		multi:  make(map[string][]string),
	}
	for _, pair := range strings.Split(rawQuery, "&") {
		if pair == "" {
			continue
		}
		key, value, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(key)
		if err != nil {
			return nil, protoErrorf("malformed query key")
		}
		value, err = url.QueryUnescape(value)
		if err != nil {
			return nil, protoErrorf("malformed query value for %s", key)
		}
		qp.single[key] = value
		qp.multi[key] = append(qp.multi[key], value)
	}
	return qp, nil
}

func (qp *queryParams) get(key string) (string, bool) {
	v, ok := qp.single[key]
	return v, ok
}

func (qp *queryParams) getAll(key string) []string {
	return qp.multi[key]
}

func (qp *queryParams) getUint64(key string) (uint64, bool) {
	s, ok := qp.single[key]
	if !ok {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// decodeAnnounce validates and decodes an announce query string.
// remoteIP is the transport-level client address, overridden by an explicit
// ip/ipv6 parameter when one parses.
func decodeAnnounce(rawQuery string, remoteIP net.IP) (*AnnounceReq, error) {
	qp, err := parseQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	infoHash, ok := qp.get("info_hash")
	if !ok {
		return nil, protoErrorf("missing info_hash")
	}
	if len(infoHash) != 20 {
		return nil, protoErrorf("info_hash must be 20 bytes, got %d", len(infoHash))
	}

	peerID, ok := qp.get("peer_id")
	if !ok {
		return nil, protoErrorf("missing peer_id")
	}
	if len(peerID) != 20 {
		return nil, protoErrorf("peer_id must be 20 bytes, got %d", len(peerID))
	}

	event := EventNone
	if ev, ok := qp.get("event"); ok {
		event = ParseEvent(ev)
	}

	port, ok := qp.getUint64("port")
	if !ok || port > 65535 {
		return nil, protoErrorf("missing or invalid port")
	}
	if port == 0 && event != EventStopped {
		return nil, protoErrorf("port cannot be 0")
	}

	uploaded, ok := qp.getUint64("uploaded")
	if !ok {
		return nil, protoErrorf("missing or invalid uploaded")
	}
	downloaded, ok := qp.getUint64("downloaded")
	if !ok {
		return nil, protoErrorf("missing or invalid downloaded")
	}
	left, ok := qp.getUint64("left")
	if !ok {
		return nil, protoErrorf("missing or invalid left")
	}

	// An explicit numwant=0 is honored (seeders asking for no peers); the
	// default applies only when the parameter is absent or unusable.
	numWant := defaultNumWant
	if s, ok := qp.get("numwant"); ok {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			numWant = n
		}
	}
	if numWant > maxNumWant {
		numWant = maxNumWant
	}

	ip := remoteIP
	// Clients behind NAT may report a routable address; BEP 7 clients use a
	// separate ipv6 field.
	if s, ok := qp.get("ipv6"); ok {
		if parsed := net.ParseIP(s); parsed != nil && parsed.To4() == nil {
			ip = parsed
		}
	} else if s, ok := qp.get("ip"); ok {
		if parsed := net.ParseIP(s); parsed != nil {
			ip = parsed
		}
	}

	compactStr, _ := qp.get("compact")

	return &AnnounceReq{
		InfoHash:   NewInfoHash([]byte(infoHash)),
		PeerID:     NewPeerID([]byte(peerID)),
		IP:         ip,
		Port:       uint16(port),
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    numWant,
		Compact:    compactStr == "1",
	}, nil
}

// decodeScrape decodes one or more info_hash parameters from a scrape query.
func decodeScrape(rawQuery string) (*ScrapeReq, error) {
	qp, err := parseQuery(rawQuery)
	if err != nil {
		return nil, err
	}

	hashes := qp.getAll("info_hash")
	if len(hashes) == 0 {
		return nil, protoErrorf("missing info_hash")
	}
	if len(hashes) > maxScrapeHashes {
		return nil, protoErrorf("too many info_hashes (max %d)", maxScrapeHashes)
	}

	req := &ScrapeReq{InfoHashes: make([]InfoHash, 0, len(hashes))}
	for _, h := range hashes {
		if len(h) != 20 {
			return nil, protoErrorf("info_hash must be 20 bytes, got %d", len(h))
		}
		req.InfoHashes = append(req.InfoHashes, NewInfoHash([]byte(h)))
	}
	return req, nil
}

// compactPeers packs peers into the binary compact form, one address family
// per response. Peers of the other family are skipped.
func compactPeers(peers []PeerAddr, v6 bool) string {
	size := compactPeerSizeV4
	if v6 {
		size = compactPeerSizeV6
	}
	out := make([]byte, 0, len(peers)*size)
	for _, p := range peers {
		if v6 {
			ip := p.IP.To16()
			if ip == nil || p.IP.To4() != nil {
				continue
			}
			out = append(out, ip...)
		} else {
			ip := p.IP.To4()
			if ip == nil {
				continue
			}
			out = append(out, ip...)
		}
		out = append(out, byte(p.Port>>8), byte(p.Port&0xff))
	}
	return string(out)
}

// encodeAnnounceResponse builds the bencoded announce body. With the compact
// flag the peers value is a binary string; otherwise a list of dictionaries.
func encodeAnnounceResponse(peers []PeerAddr, interval, minInterval, seeders, leechers int, compact, v6 bool) ([]byte, error) {
	resp := map[string]any{
		"interval":     interval,
		"min interval": minInterval,
		"complete":     seeders,
		"incomplete":   leechers,
	}
	if compact {
		resp["peers"] = compactPeers(peers, v6)
	} else {
		list := make([]any, 0, len(peers))
		for _, p := range peers {
			list = append(list, map[string]any{
				"peer id": string(p.ID[:]),
				"ip":      p.IP.String(),
				"port":    int(p.Port),
			})
		}
		resp["peers"] = list
	}
	return marshalBencode(resp)
}

// encodeStoppedResponse is the minimal body for event=stopped: no peers are
// selected for a departing client.
func encodeStoppedResponse(interval int) ([]byte, error) {
	return marshalBencode(map[string]any{"interval": interval})
}

// ScrapeStats is one torrent's aggregate counters in a scrape response.
type ScrapeStats struct {
	Complete   int
	Incomplete int
	Downloaded int
}

// encodeScrapeResponse builds the bencoded files dictionary keyed by the raw
// 20-byte info-hash strings.
func encodeScrapeResponse(stats map[InfoHash]ScrapeStats) ([]byte, error) {
	files := make(map[string]any, len(stats))
	for h, s := range stats {
		files[string(h[:])] = map[string]any{
			"complete":   s.Complete,
			"incomplete": s.Incomplete,
			"downloaded": s.Downloaded,
		}
	}
	return marshalBencode(map[string]any{"files": files})
}

// encodeFailure builds the bencoded failure body sent with HTTP 200.
func encodeFailure(reason string) []byte {
	body, err := marshalBencode(map[string]any{"failure reason": reason})
	if err != nil {
		// Marshalling a flat string map cannot fail; keep a hand-rolled
		// fallback so the client still gets a protocol-level answer.
		return []byte(fmt.Sprintf("d14:failure reason%d:%se", len(reason), reason))
	}
	return body
}

// failureReason extracts the client-visible reason from an error, when it has
// one. Internal errors give clients a generic message.
func failureReason(err error) string {
	var pe *protocolError
	if errors.As(err, &pe) {
		return pe.reason
	}
	return "tracker error"
}

func marshalBencode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package main

import (
	"bytes"
	"fmt"
	"net"
	"net/url"
	"strings"
	"testing"
)

func announceQuery(hash, peerID []byte, extra string) string {
	q := fmt.Sprintf("info_hash=%s&peer_id=%s&port=6881&uploaded=0&downloaded=0&left=100",
		url.QueryEscape(string(hash)), url.QueryEscape(string(peerID)))
	if extra != "" {
		q += "&" + extra
	}
	return q
}

func TestDecodeAnnounce_Valid(t *testing.T) {
	hash := []byte("12345678901234567890")
	peerID := []byte("-TR4040-abcdefghijkl")
	remote := net.ParseIP("10.0.0.1")

	req, err := decodeAnnounce(announceQuery(hash, peerID, "event=started"), remote)
	if err != nil {
		t.Fatalf("decodeAnnounce failed: %v", err)
	}

	if !bytes.Equal(req.InfoHash[:], hash) {
		t.Errorf("InfoHash = %v, want %v", req.InfoHash[:], hash)
	}
	if !bytes.Equal(req.PeerID[:], peerID) {
		t.Errorf("PeerID = %v, want %v", req.PeerID[:], peerID)
	}
	if req.Port != 6881 {
		t.Errorf("Port = %d, want 6881", req.Port)
	}
	if req.Left != 100 {
		t.Errorf("Left = %d, want 100", req.Left)
	}
	if req.Event != EventStarted {
		t.Errorf("Event = %v, want started", req.Event)
	}
	if req.NumWant != defaultNumWant {
		t.Errorf("NumWant = %d, want default %d", req.NumWant, defaultNumWant)
	}
	if !req.IP.Equal(remote) {
		t.Errorf("IP = %v, want %v", req.IP, remote)
	}
}

func TestDecodeAnnounce_BinaryHashSurvivesEncoding(t *testing.T) {
	// Raw bytes including NULs and high bytes must round-trip through
	// percent-encoding untouched.
	hash := make([]byte, 20)
	for i := range hash {
		hash[i] = byte(i * 13)
	}
	peerID := []byte("-lt0D80-123456789012")

	req, err := decodeAnnounce(announceQuery(hash, peerID, ""), net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("decodeAnnounce failed: %v", err)
	}
	if !bytes.Equal(req.InfoHash[:], hash) {
		t.Errorf("InfoHash = %v, want %v", req.InfoHash[:], hash)
	}
}

func TestDecodeAnnounce_Invalid(t *testing.T) {
	hash := []byte("12345678901234567890")
	peerID := []byte("-TR4040-abcdefghijkl")
	remote := net.ParseIP("10.0.0.1")

	cases := []struct {
		name  string
		query string
	}{
		{"missing info_hash", "peer_id=" + url.QueryEscape(string(peerID)) + "&port=6881&uploaded=0&downloaded=0&left=1"},
		{"short info_hash", "info_hash=short&peer_id=" + url.QueryEscape(string(peerID)) + "&port=6881&uploaded=0&downloaded=0&left=1"},
		{"missing peer_id", "info_hash=" + url.QueryEscape(string(hash)) + "&port=6881&uploaded=0&downloaded=0&left=1"},
		{"missing port", "info_hash=" + url.QueryEscape(string(hash)) + "&peer_id=" + url.QueryEscape(string(peerID)) + "&uploaded=0&downloaded=0&left=1"},
		{"port out of range", "info_hash=" + url.QueryEscape(string(hash)) + "&peer_id=" + url.QueryEscape(string(peerID)) + "&port=70000&uploaded=0&downloaded=0&left=1"},
		{"missing uploaded", "info_hash=" + url.QueryEscape(string(hash)) + "&peer_id=" + url.QueryEscape(string(peerID)) + "&port=6881&downloaded=0&left=1"},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := decodeAnnounce(c.query, remote); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestDecodeAnnounce_PortZero(t *testing.T) {
	hash := []byte("12345678901234567890")
	peerID := []byte("-TR4040-abcdefghijkl")
	base := fmt.Sprintf("info_hash=%s&peer_id=%s&port=0&uploaded=0&downloaded=0&left=100",
		url.QueryEscape(string(hash)), url.QueryEscape(string(peerID)))

	if _, err := decodeAnnounce(base, net.ParseIP("10.0.0.1")); err == nil {
		t.Error("port 0 without stopped event must be rejected")
	}

	req, err := decodeAnnounce(base+"&event=stopped", net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("port 0 with stopped event must be accepted: %v", err)
	}
	if req.Event != EventStopped {
		t.Errorf("Event = %v, want stopped", req.Event)
	}
}

func TestDecodeAnnounce_NumWantCap(t *testing.T) {
	hash := []byte("12345678901234567890")
	peerID := []byte("-TR4040-abcdefghijkl")

	req, err := decodeAnnounce(announceQuery(hash, peerID, "numwant=5000"), net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("decodeAnnounce failed: %v", err)
	}
	if req.NumWant != maxNumWant {
		t.Errorf("NumWant = %d, want cap %d", req.NumWant, maxNumWant)
	}

	req, err = decodeAnnounce(announceQuery(hash, peerID, "numwant=-3"), net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("decodeAnnounce failed: %v", err)
	}
	if req.NumWant != defaultNumWant {
		t.Errorf("NumWant = %d, want default on negative", req.NumWant)
	}

	// An explicit zero asks for no peers and is not a default fallback.
	req, err = decodeAnnounce(announceQuery(hash, peerID, "numwant=0"), net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("decodeAnnounce failed: %v", err)
	}
	if req.NumWant != 0 {
		t.Errorf("NumWant = %d, want 0 when requested explicitly", req.NumWant)
	}
}

func TestDecodeAnnounce_IPOverride(t *testing.T) {
	hash := []byte("12345678901234567890")
	peerID := []byte("-TR4040-abcdefghijkl")

	req, err := decodeAnnounce(announceQuery(hash, peerID, "ip=203.0.113.7"), net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("decodeAnnounce failed: %v", err)
	}
	if req.IP.String() != "203.0.113.7" {
		t.Errorf("IP = %v, want 203.0.113.7", req.IP)
	}

	// Unparseable override falls back to the transport address.
	req, err = decodeAnnounce(announceQuery(hash, peerID, "ip=nonsense"), net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("decodeAnnounce failed: %v", err)
	}
	if req.IP.String() != "10.0.0.1" {
		t.Errorf("IP = %v, want 10.0.0.1", req.IP)
	}
}

func TestDecodeScrape_MultipleHashes(t *testing.T) {
	h1 := []byte("aaaaaaaaaaaaaaaaaaaa")
	h2 := []byte("bbbbbbbbbbbbbbbbbbbb")
	query := "info_hash=" + url.QueryEscape(string(h1)) + "&info_hash=" + url.QueryEscape(string(h2))

	req, err := decodeScrape(query)
	if err != nil {
		t.Fatalf("decodeScrape failed: %v", err)
	}
	if len(req.InfoHashes) != 2 {
		t.Fatalf("len = %d, want 2", len(req.InfoHashes))
	}
	if !bytes.Equal(req.InfoHashes[0][:], h1) || !bytes.Equal(req.InfoHashes[1][:], h2) {
		t.Error("hashes decoded out of order or corrupted")
	}
}

func TestDecodeScrape_Limits(t *testing.T) {
	if _, err := decodeScrape(""); err == nil {
		t.Error("empty scrape must be rejected")
	}

	var sb strings.Builder
	for i := 0; i <= maxScrapeHashes; i++ {
		if i > 0 {
			sb.WriteByte('&')
		}
		h := bytes.Repeat([]byte{byte(i)}, 20)
		sb.WriteString("info_hash=" + url.QueryEscape(string(h)))
	}
	if _, err := decodeScrape(sb.String()); err == nil {
		t.Errorf("more than %d hashes must be rejected", maxScrapeHashes)
	}
}

func TestCompactPeers_IPv4(t *testing.T) {
	peers := []PeerAddr{
		{IP: net.ParseIP("1.2.3.4"), Port: 6881},
		{IP: net.ParseIP("2001:db8::1"), Port: 6882}, // wrong family, skipped
	}

	got := compactPeers(peers, false)
	want := string([]byte{1, 2, 3, 4, 0x1a, 0xe1})
	if got != want {
		t.Errorf("compactPeers = %x, want %x", got, want)
	}
}

func TestCompactPeers_IPv6(t *testing.T) {
	peers := []PeerAddr{
		{IP: net.ParseIP("1.2.3.4"), Port: 6881}, // wrong family, skipped
		{IP: net.ParseIP("2001:db8::1"), Port: 6882},
	}

	got := compactPeers(peers, true)
	if len(got) != compactPeerSizeV6 {
		t.Fatalf("len = %d, want %d", len(got), compactPeerSizeV6)
	}
	if got[16] != 0x1a || got[17] != 0xe2 {
		t.Errorf("port bytes = %x %x, want 1a e2", got[16], got[17])
	}
}

func TestEncodeAnnounceResponse_Compact(t *testing.T) {
	peers := []PeerAddr{{IP: net.ParseIP("1.2.3.4"), Port: 6881}}

	body, err := encodeAnnounceResponse(peers, 1800, 900, 1, 2, true, false)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	s := string(body)
	for _, want := range []string{"8:intervali1800e", "12:min intervali900e", "8:completei1e", "10:incompletei2e", "5:peers6:"} {
		if !strings.Contains(s, want) {
			t.Errorf("body missing %q: %s", want, s)
		}
	}
}

func TestEncodeAnnounceResponse_Dictionary(t *testing.T) {
	id := NewPeerID([]byte("-TR4040-abcdefghijkl"))
	peers := []PeerAddr{{ID: id, IP: net.ParseIP("1.2.3.4"), Port: 6881}}

	body, err := encodeAnnounceResponse(peers, 1800, 900, 1, 0, false, false)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	s := string(body)
	for _, want := range []string{"7:peer id20:-TR4040-abcdefghijkl", "2:ip7:1.2.3.4", "4:porti6881e"} {
		if !strings.Contains(s, want) {
			t.Errorf("body missing %q: %s", want, s)
		}
	}
}

func TestEncodeStoppedResponse(t *testing.T) {
	body, err := encodeStoppedResponse(1800)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if string(body) != "d8:intervali1800ee" {
		t.Errorf("body = %s, want d8:intervali1800ee", body)
	}
}

func TestEncodeScrapeResponse(t *testing.T) {
	h := NewInfoHash([]byte("12345678901234567890"))
	body, err := encodeScrapeResponse(map[InfoHash]ScrapeStats{
		h: {Complete: 3, Incomplete: 5, Downloaded: 9},
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	s := string(body)
	for _, want := range []string{"5:files", "20:12345678901234567890", "8:completei3e", "10:incompletei5e", "10:downloadedi9e"} {
		if !strings.Contains(s, want) {
			t.Errorf("body missing %q: %s", want, s)
		}
	}
}

func TestEncodeFailure(t *testing.T) {
	body := encodeFailure("user banned")
	if string(body) != "d14:failure reason11:user bannede" {
		t.Errorf("body = %s", body)
	}
}

func TestFailureReason(t *testing.T) {
	if got := failureReason(protoErrorf("missing port")); got != "missing port" {
		t.Errorf("got %q, want missing port", got)
	}
	if got := failureReason(ErrNotFound); got != "tracker error" {
		t.Errorf("internal errors must map to a generic reason, got %q", got)
	}
}

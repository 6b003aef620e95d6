package net

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vocdoni/gofirma/trisign/internal/triphase"
)

// Parameter names of the triphase partial result.
const (
	ParamPreSign     = "PRE"
	ParamPK1         = "PK1"
	ParamSignCount   = "SIGN_COUNT"
	ParamNeedPreSign = "NEED_PRE"
)

// PreSignRequest is the body of a pre-sign call.
type PreSignRequest struct {
	XMLName   xml.Name       `xml:"presign"`
	ID        string         `xml:"id,attr"`
	Cert      string         `xml:"cert"`
	Documents []WireDocInput `xml:"document"`
}

// WireDocInput is a document to pre-sign.
type WireDocInput struct {
	ID        string      `xml:"id,attr"`
	Name      string      `xml:"name,attr,omitempty"`
	Operation string      `xml:"operation,attr,omitempty"`
	Format    string      `xml:"format,attr,omitempty"`
	Digest    string      `xml:"digest,attr"`
	Data      string      `xml:"data"`
	Params    []WireParam `xml:"param"`
}

// TriphaseData carries the sub-requests between the phases.
type TriphaseData struct {
	XMLName  xml.Name      `xml:"triphase"`
	ID       string        `xml:"id,attr,omitempty"`
	Requests []WireRequest `xml:"request"`
}

type WireRequest struct {
	ID        string     `xml:"id,attr"`
	OK        bool       `xml:"ok,attr"`
	Documents []WireSign `xml:"firma"`
}

type WireSign struct {
	ID        string      `xml:"Id,attr"`
	Operation string      `xml:"operation,attr,omitempty"`
	Format    string      `xml:"format,attr,omitempty"`
	Digest    string      `xml:"digest,attr"`
	Params    []WireParam `xml:"param"`
}

type WireParam struct {
	Name  string `xml:"n,attr"`
	Value string `xml:",chardata"`
}

// PostSignRequest is the body of a post-sign call.
type PostSignRequest struct {
	XMLName xml.Name     `xml:"postsign"`
	Cert    string       `xml:"cert"`
	Data    TriphaseData `xml:"triphase"`
}

// PostSignResponse is the outcome reported by the server.
type PostSignResponse struct {
	XMLName xml.Name `xml:"result"`
	ID      string   `xml:"id,attr"`
	OK      bool     `xml:"ok,attr"`
	Message string   `xml:",chardata"`
}

func encodeCert(c *x509.Certificate) string {
	return base64.StdEncoding.EncodeToString(c.Raw)
}

// NewPreSignRequest builds the pre-sign body for req.
func NewPreSignRequest(req triphase.SignRequest, leaf *x509.Certificate) PreSignRequest {
	out := PreSignRequest{ID: req.ID, Cert: encodeCert(leaf)}
	for _, d := range req.Documents {
		in := WireDocInput{
			ID:        d.ID,
			Name:      d.Name,
			Operation: d.Operation,
			Format:    d.Format,
			Digest:    d.DigestAlgorithm,
			Data:      base64.StdEncoding.EncodeToString(d.Data),
		}
		in.Params = sortedParams(d.Params)
		out.Documents = append(out.Documents, in)
	}
	return out
}

func sortedParams(m map[string]string) []WireParam {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]WireParam, 0, len(keys))
	for _, k := range keys {
		out = append(out, WireParam{Name: k, Value: m[k]})
	}
	return out
}

// EncodeRequests converts the sub-requests of request id to their wire form.
// Cleared pre-signatures are not sent.
func EncodeRequests(id string, reqs []*triphase.Request) TriphaseData {
	out := TriphaseData{ID: id}
	for _, r := range reqs {
		wr := WireRequest{ID: r.ID, OK: r.StatusOK}
		for _, d := range r.Documents {
			wr.Documents = append(wr.Documents, WireSign{
				ID:        d.ID,
				Operation: d.Operation,
				Format:    d.Format,
				Digest:    d.DigestAlgorithm,
				Params:    encodeConfig(d.PartialResult),
			})
		}
		out.Requests = append(out.Requests, wr)
	}
	return out
}

func encodeConfig(c *triphase.ConfigData) []WireParam {
	if c == nil {
		return nil
	}
	var out []WireParam
	if c.SignCount != nil {
		out = append(out, WireParam{ParamSignCount, strconv.Itoa(*c.SignCount)})
	}
	if c.NeedPreSign != nil {
		out = append(out, WireParam{ParamNeedPreSign, strconv.FormatBool(*c.NeedPreSign)})
	}
	for _, i := range c.PreSignIndexes() {
		b, _ := c.PreSign(i)
		out = append(out, WireParam{indexed(ParamPreSign, i), base64.StdEncoding.EncodeToString(b)})
	}
	for i, b := range c.PK1() {
		out = append(out, WireParam{indexed(ParamPK1, i), base64.StdEncoding.EncodeToString(b)})
	}
	return append(out, sortedParams(c.Extra)...)
}

func indexed(name string, i int) string {
	return name + "." + strconv.Itoa(i)
}

// DecodeRequests converts the wire form back to sub-requests.
func DecodeRequests(data TriphaseData) ([]*triphase.Request, error) {
	out := make([]*triphase.Request, 0, len(data.Requests))
	for _, wr := range data.Requests {
		r := &triphase.Request{ID: wr.ID, StatusOK: wr.OK}
		for _, ws := range wr.Documents {
			cfg, err := decodeConfig(ws.Params)
			if err != nil {
				return nil, fmt.Errorf("request %q document %q: %w", wr.ID, ws.ID, err)
			}
			r.Documents = append(r.Documents, &triphase.DocumentRequest{
				ID:              ws.ID,
				Operation:       ws.Operation,
				Format:          ws.Format,
				DigestAlgorithm: ws.Digest,
				PartialResult:   cfg,
			})
		}
		out = append(out, r)
	}
	return out, nil
}

func decodeConfig(params []WireParam) (*triphase.ConfigData, error) {
	cfg := triphase.NewConfigData()
	pk1 := make(map[int][]byte)
	for _, p := range params {
		value := strings.TrimSpace(p.Value)
		name, idx, isIndexed := splitIndexed(p.Name)
		switch {
		case p.Name == ParamSignCount:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("invalid %s %q", ParamSignCount, value)
			}
			cfg.SignCount = triphase.IntPtr(n)
		case p.Name == ParamNeedPreSign:
			v, err := strconv.ParseBool(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q", ParamNeedPreSign, value)
			}
			cfg.NeedPreSign = triphase.BoolPtr(v)
		case isIndexed && name == ParamPreSign:
			b, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", p.Name, err)
			}
			cfg.SetPreSign(idx, b)
		case isIndexed && name == ParamPK1:
			b, err := base64.StdEncoding.DecodeString(value)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", p.Name, err)
			}
			pk1[idx] = b
		default:
			cfg.Extra[p.Name] = p.Value
		}
	}
	idx := make([]int, 0, len(pk1))
	for i := range pk1 {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		cfg.AddPK1(pk1[i])
	}
	return cfg, nil
}

func splitIndexed(s string) (string, int, bool) {
	name, num, ok := strings.Cut(s, ".")
	if !ok {
		return s, 0, false
	}
	i, err := strconv.Atoi(num)
	if err != nil || i < 0 {
		return s, 0, false
	}
	return name, i, true
}

package apis

import (
	"github.com/grafana/kafkaclient/pkg/protocol"
)

// ApiVersionsRequest asks a broker for the version ranges it supports.
// Issued once per client, before any other request, since version negotiation
// depends on its answer; for the same reason its response keeps the v0 header.
type ApiVersionsRequest struct {
	version

	ClientSoftwareName    string
	ClientSoftwareVersion string
}

func (*ApiVersionsRequest) Key() int16        { return KeyApiVersions }
func (*ApiVersionsRequest) MinVersion() int16 { return 3 }
func (*ApiVersionsRequest) MaxVersion() int16 { return 3 }
func (*ApiVersionsRequest) IsFlexible() bool  { return true }

func (r *ApiVersionsRequest) AppendTo(w *protocol.Writer) {
	w.WriteCompactString(r.ClientSoftwareName)
	w.WriteCompactString(r.ClientSoftwareVersion)
	w.WriteEmptyTaggedFields()
}

func (r *ApiVersionsRequest) ResponseKind() Response {
	resp := &ApiVersionsResponse{}
	resp.SetVersion(r.GetVersion())
	return resp
}

// ApiVersionsResponseKey is one advertised api range.
type ApiVersionsResponseKey struct {
	ApiKey     int16
	MinVersion int16
	MaxVersion int16
}

type ApiVersionsResponse struct {
	version

	ErrorCode      int16
	ApiKeys        []ApiVersionsResponseKey
	ThrottleMillis int32
}

func (*ApiVersionsResponse) Key() int16 { return KeyApiVersions }

func (r *ApiVersionsResponse) ReadFrom(raw []byte) error {
	rd := protocol.NewReader(raw)
	r.ErrorCode = rd.ReadInt16()

	// A broker that rejects our version replies with a v0 body: the error
	// code, and on newer brokers the full key table regardless.
	n := rd.ReadCompactArrayLen()
	for i := 0; i < n && rd.Err() == nil; i++ {
		k := ApiVersionsResponseKey{
			ApiKey:     rd.ReadInt16(),
			MinVersion: rd.ReadInt16(),
			MaxVersion: rd.ReadInt16(),
		}
		rd.SkipTaggedFields()
		r.ApiKeys = append(r.ApiKeys, k)
	}
	r.ThrottleMillis = rd.ReadInt32()
	rd.SkipTaggedFields()
	return rd.Complete()
}

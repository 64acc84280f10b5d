// Integration tests for DocStore gRPC server
package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/reflection"
	rpb "google.golang.org/grpc/reflection/grpc_reflection_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nainya/docstore/internal/logger"
	"github.com/nainya/docstore/internal/metrics"
	"github.com/nainya/docstore/pkg/index"
)

const bufSize = 1024 * 1024

type testEnv struct {
	server *Server
	client *Client
	conn   *grpc.ClientConn
	reg    *prometheus.Registry
	logs   *bytes.Buffer
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	catalog, err := index.OpenCatalog(t.TempDir(), index.CatalogOptions{})
	require.NoError(t, err)

	logs := &bytes.Buffer{}
	log := logger.NewLogger(logger.Config{Level: "debug", Output: logs})
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	server := NewServer(catalog, log, m)

	lis := bufconn.Listen(bufSize)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(GrpcMetricsInterceptor(m, log)))
	RegisterDocStoreServer(grpcServer, server)
	reflection.Register(grpcServer)
	go grpcServer.Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
			return lis.Dial()
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		grpcServer.Stop()
		lis.Close()
		server.Close()
	})
	return &testEnv{server: server, client: NewClient(conn), conn: conn, reg: reg, logs: logs}
}

func (e *testEnv) call(t *testing.T, method string, req map[string]interface{}) (*structpb.Struct, error) {
	t.Helper()
	s, err := structpb.NewStruct(req)
	require.NoError(t, err)
	return e.client.Call(context.Background(), method, s)
}

func (e *testEnv) mustCall(t *testing.T, method string, req map[string]interface{}) map[string]interface{} {
	t.Helper()
	resp, err := e.call(t, method, req)
	require.NoError(t, err, method)
	return resp.AsMap()
}

func requireCode(t *testing.T, err error, code codes.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, status.Code(err), err.Error())
}

func seed(t *testing.T, e *testEnv) {
	t.Helper()
	e.mustCall(t, MethodCreateIndex, map[string]interface{}{"name": "by_city", "kind": "field", "field": "city", "order": 4})
	e.mustCall(t, MethodCreateIndex, map[string]interface{}{"name": "places", "kind": "geo", "field": "loc"})

	cities := []struct {
		id, city string
		lat, lng float64
	}{
		{"1", "Geneva", 46.2044, 6.1432},
		{"2", "Lausanne", 46.5197, 6.6323},
		{"3", "Zurich", 47.3769, 8.5417},
		{"4", "Bern", 46.9480, 7.4474},
	}
	for _, c := range cities {
		e.mustCall(t, MethodInsert, map[string]interface{}{"document": map[string]interface{}{
			"_id":  c.id,
			"city": c.city,
			"loc":  map[string]interface{}{"lat": c.lat, "lng": c.lng},
		}})
	}
}

func TestCreateAndListIndexes(t *testing.T) {
	e := setupTestServer(t)
	seed(t, e)

	resp := e.mustCall(t, MethodListIndexes, nil)
	indexes := resp["indexes"].([]interface{})
	require.Len(t, indexes, 2)
	first := indexes[0].(map[string]interface{})
	assert.Equal(t, "by_city", first["name"])
	assert.Equal(t, "field", first["kind"])
	assert.Equal(t, 4.0, first["size"])

	_, err := e.call(t, MethodCreateIndex, map[string]interface{}{"name": "by_city", "kind": "field", "field": "x"})
	requireCode(t, err, codes.AlreadyExists)
	_, err = e.call(t, MethodCreateIndex, map[string]interface{}{"name": "bad name", "kind": "field", "field": "x"})
	requireCode(t, err, codes.InvalidArgument)
	_, err = e.call(t, MethodCreateIndex, map[string]interface{}{"name": "x"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestLookupAndRange(t *testing.T) {
	e := setupTestServer(t)
	seed(t, e)

	resp := e.mustCall(t, MethodLookup, map[string]interface{}{"index": "by_city", "value": "Bern"})
	assert.Equal(t, []interface{}{"4"}, resp["ids"])

	resp = e.mustCall(t, MethodRange, map[string]interface{}{"index": "by_city", "min": "Bern", "max": "Lausanne"})
	assert.Equal(t, []interface{}{"4", "1", "2"}, resp["ids"])

	_, err := e.call(t, MethodLookup, map[string]interface{}{"index": "nope", "value": "x"})
	requireCode(t, err, codes.NotFound)
	_, err = e.call(t, MethodLookup, map[string]interface{}{"index": "places", "value": "x"})
	requireCode(t, err, codes.FailedPrecondition)
}

func TestNearAndWithin(t *testing.T) {
	e := setupTestServer(t)
	seed(t, e)

	resp := e.mustCall(t, MethodNear, map[string]interface{}{"index": "places", "lat": 46.2044, "lng": 6.1432, "km": 60})
	results := resp["results"].([]interface{})
	require.Len(t, results, 2)
	for _, r := range results {
		hit := r.(map[string]interface{})
		assert.Contains(t, []interface{}{"1", "2"}, hit["id"])
		assert.LessOrEqual(t, hit["distanceKm"].(float64), 60.0)
	}

	resp = e.mustCall(t, MethodWithin, map[string]interface{}{
		"index": "places", "minLat": 46.8, "maxLat": 47.5, "minLng": 7, "maxLng": 9,
	})
	results = resp["results"].([]interface{})
	require.Len(t, results, 2)

	_, err := e.call(t, MethodNear, map[string]interface{}{"index": "places", "lat": 46.2, "lng": 6.1})
	requireCode(t, err, codes.InvalidArgument)
	_, err = e.call(t, MethodNear, map[string]interface{}{"index": "places", "lat": 46.2, "lng": 6.1, "km": -1})
	requireCode(t, err, codes.InvalidArgument)
}

func TestInsertAssignsObjectID(t *testing.T) {
	e := setupTestServer(t)
	e.mustCall(t, MethodCreateIndex, map[string]interface{}{"name": "by_city", "kind": "field", "field": "city"})

	resp := e.mustCall(t, MethodInsert, map[string]interface{}{"document": map[string]interface{}{"city": "Chur"}})
	id, ok := resp["id"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, id, "$oid")

	lookup := e.mustCall(t, MethodLookup, map[string]interface{}{"index": "by_city", "value": "Chur"})
	assert.Equal(t, []interface{}{id}, lookup["ids"])

	doc := resp["document"].(map[string]interface{})
	e.mustCall(t, MethodDelete, map[string]interface{}{"document": doc})
	lookup = e.mustCall(t, MethodLookup, map[string]interface{}{"index": "by_city", "value": "Chur"})
	assert.Empty(t, lookup["ids"])

	_, err := e.call(t, MethodDelete, map[string]interface{}{"document": map[string]interface{}{"city": "Chur"}})
	requireCode(t, err, codes.InvalidArgument)
	_, err = e.call(t, MethodInsert, map[string]interface{}{"document": "text"})
	requireCode(t, err, codes.InvalidArgument)
}

func TestBadGeoDocumentRejected(t *testing.T) {
	e := setupTestServer(t)
	seed(t, e)

	_, err := e.call(t, MethodInsert, map[string]interface{}{"document": map[string]interface{}{
		"_id": "x",
		"loc": map[string]interface{}{"lat": 95.0, "lng": 0.0},
	}})
	requireCode(t, err, codes.InvalidArgument)
}

func TestCompactAndStats(t *testing.T) {
	e := setupTestServer(t)
	seed(t, e)
	e.mustCall(t, MethodDropIndex, map[string]interface{}{"name": "places"})
	_, err := e.call(t, MethodDropIndex, map[string]interface{}{"name": "places"})
	requireCode(t, err, codes.NotFound)

	resp := e.mustCall(t, MethodCompact, nil)
	indexes := resp["indexes"].(map[string]interface{})
	require.Contains(t, indexes, "by_city")
	assert.Greater(t, indexes["by_city"].(map[string]interface{})["bytesSaved"].(float64), 0.0)

	stats := e.mustCall(t, MethodStats, nil)
	assert.Equal(t, 1.0, stats["indexCount"])
	assert.Equal(t, 4.0, stats["totalEntries"])
	assert.Greater(t, stats["totalFileBytes"].(float64), 0.0)

	resp = e.mustCall(t, MethodLookup, map[string]interface{}{"index": "by_city", "value": "Zurich"})
	assert.Equal(t, []interface{}{"3"}, resp["ids"])
}

func TestRequestIDHeader(t *testing.T) {
	e := setupTestServer(t)

	var header metadata.MD
	ctx := metadata.AppendToOutgoingContext(context.Background(), RequestIDHeader, "req-42")
	_, err := e.client.Call(ctx, MethodStats, nil, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-42"}, header.Get(RequestIDHeader))

	_, err = e.client.Call(context.Background(), MethodStats, nil, grpc.Header(&header))
	require.NoError(t, err)
	require.Len(t, header.Get(RequestIDHeader), 1)
	assert.Len(t, header.Get(RequestIDHeader)[0], 36)
	assert.Contains(t, e.logs.String(), "request_id")
}

func TestReflectionDescribesService(t *testing.T) {
	e := setupTestServer(t)

	stream, err := rpb.NewServerReflectionClient(e.conn).ServerReflectionInfo(context.Background())
	require.NoError(t, err)
	defer stream.CloseSend()

	require.NoError(t, stream.Send(&rpb.ServerReflectionRequest{
		MessageRequest: &rpb.ServerReflectionRequest_FileContainingSymbol{FileContainingSymbol: ServiceName},
	}))
	resp, err := stream.Recv()
	require.NoError(t, err)
	require.Nil(t, resp.GetErrorResponse())

	var found *descriptorpb.FileDescriptorProto
	for _, raw := range resp.GetFileDescriptorResponse().GetFileDescriptorProto() {
		fdp := &descriptorpb.FileDescriptorProto{}
		require.NoError(t, proto.Unmarshal(raw, fdp))
		if fdp.GetName() == ProtoFile {
			found = fdp
		}
	}
	require.NotNil(t, found)
	require.Len(t, found.GetService(), 1)
	methods := found.GetService()[0].GetMethod()
	require.Len(t, methods, len(ServiceDesc.Methods))
	for i, m := range methods {
		assert.Equal(t, ServiceDesc.Methods[i].MethodName, m.GetName())
		assert.Equal(t, ".google.protobuf.Struct", m.GetInputType())
		assert.Equal(t, ".google.protobuf.Struct", m.GetOutputType())
	}
}

func TestObservabilityHandler(t *testing.T) {
	e := setupTestServer(t)
	seed(t, e)

	srv := httptest.NewServer(NewObservabilityHandler(e.reg))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `docstore_index_entries{index="by_city"} 4`)
	assert.Contains(t, string(body), "docstore_grpc_requests_total")

	res, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

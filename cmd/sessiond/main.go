// Command sessiond is the composition root that wires one streaming
// session per incoming subscribe request: a minimal HTTP front door in
// front of the session engine, the way the teacher's cmd/adapter/main.go
// wires flags and a logger in front of its own server loop.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/IBM/sarama"
	"github.com/go-logr/logr"
	uzap "go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/flowbroker/substream/internal/coordination"
	"github.com/flowbroker/substream/internal/output"
	"github.com/flowbroker/substream/internal/poller"
	"github.com/flowbroker/substream/internal/session"
)

var (
	httpAddr       = flag.String("http-addr", ":8080", "address to serve subscribe requests on")
	etcdEndpoints  = flag.String("etcd-endpoints", "localhost:2379", "comma-separated etcd endpoints")
	kafkaBrokers   = flag.String("kafka-brokers", "localhost:9092", "comma-separated Kafka brokers")
	developmentLog = flag.Bool("development", false, "enable human-readable development logging")
)

func main() {
	flag.Parse()

	zapOpts := zap.Options{Development: *developmentLog}
	log := zap.New(zap.UseFlagOptions(&zapOpts)).WithName("sessiond")
	uzap.ReplaceGlobals(uzap.NewNop())

	kafkaClient, err := sarama.NewClient(splitCSV(*kafkaBrokers), sarama.NewConfig())
	if err != nil {
		log.Error(err, "unable to build kafka client")
		os.Exit(1)
	}
	defer kafkaClient.Close()

	srv := &server{
		log:         log,
		kafkaClient: kafkaClient,
		etcdEndpoints: splitCSV(*etcdEndpoints),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/subscriptions/", srv.handleSubscribe)

	log.Info("listening", "addr", *httpAddr)
	if err := http.ListenAndServe(*httpAddr, mux); err != nil {
		log.Error(err, "server exited")
		os.Exit(1)
	}
}

type server struct {
	log           logr.Logger
	kafkaClient   sarama.Client
	etcdEndpoints []string
}

// handleSubscribe builds and runs one session per request, blocking the
// request goroutine for the connection's lifetime, matching
// SubscriptionOutput's "loop-only caller" contract (spec.md §6).
func (s *server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	subscriptionID := r.URL.Query().Get("subscription_id")
	clientID := r.URL.Query().Get("client_id")
	eventType := r.URL.Query().Get("event_type")
	if subscriptionID == "" || clientID == "" || eventType == "" {
		http.Error(w, "subscription_id, client_id and event_type are required", http.StatusBadRequest)
		return
	}

	coordClient, err := coordination.NewEtcdClient(s.etcdEndpoints, subscriptionID, s.log)
	if err != nil {
		http.Error(w, fmt.Sprintf("coordination: %v", err), http.StatusServiceUnavailable)
		return
	}

	out, err := output.NewHTTPWriter(w)
	if err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	rawParams := make(map[string]string, len(r.URL.Query()))
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			rawParams[k] = v[0]
		}
	}

	sess, err := session.NewBuilder().
		WithSubscriptionID(subscriptionID).
		WithClientID(clientID).
		WithCoordinationClient(coordClient).
		WithKafkaClient(s.kafkaClient).
		WithTopicMapper(poller.IdentityTopicMapper{}).
		WithOutput(out).
		WithLogger(s.log.WithValues("subscriptionID", subscriptionID, "clientID", clientID)).
		WithEventTypes([]string{eventType}).
		WithStreamParameters(rawParams).
		WithPollConfig(poller.Config{PollTimeout: 500 * time.Millisecond}).
		Build()
	if err != nil {
		http.Error(w, fmt.Sprintf("session: %v", err), http.StatusBadRequest)
		return
	}

	if err := out.OnInitialized(sess.SessionID()); err != nil {
		return
	}

	notify := r.Context().Done()
	go func() {
		<-notify
		sess.Terminate()
	}()

	if err := sess.Stream(); err != nil {
		s.log.Info("session ended", "reason", err.Error())
	}
}

func splitCSV(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

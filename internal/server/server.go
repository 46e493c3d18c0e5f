package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/manager"

	fleetv1alpha "github.com/nusnewob/kube-fleetwatch/api/v1alpha"
	"github.com/nusnewob/kube-fleetwatch/internal/fleetcache"
)

var log = logf.Log.WithName("server")

const writeWait = 10 * time.Second

// Cache is the part of the fleet cache served over HTTP
type Cache interface {
	Get(ctx context.Context, ref *fleetcache.ResourceReference) fleetcache.Result
	Watch(ctx context.Context, ref *fleetcache.ResourceReference) *fleetcache.Observer
	Invalidate(ctx context.Context, ref *fleetcache.ResourceReference) bool
}

// Server exposes the fleet cache over HTTP and websockets
type Server struct {
	Cache       Cache
	Models      fleetcache.ModelResolver
	BindAddress string

	upgrader websocket.Upgrader
}

var (
	_ manager.Runnable               = &Server{}
	_ manager.LeaderElectionRunnable = &Server{}
)

func New(cache Cache, models fleetcache.ModelResolver, bindAddress string) *Server {
	return &Server{
		Cache:       cache,
		Models:      models,
		BindAddress: bindAddress,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) SetupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.healthzFunc).Methods(http.MethodGet)

	api := r.PathPrefix("/api/" + fleetv1alpha.GroupVersion.Version).Subrouter()
	api.HandleFunc("/resources", s.GetFunc).Methods(http.MethodGet)
	api.HandleFunc("/resources", s.InvalidateFunc).Methods(http.MethodDelete)
	api.HandleFunc("/watch", s.WatchFunc).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.SetupRoutes(r)
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.BindAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: writeWait,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "Server shutdown failed")
		}
	}()

	log.Info("Serving fleet watch API", "address", s.BindAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// NeedLeaderElection is false, every replica serves reads.
func (s *Server) NeedLeaderElection() bool {
	return false
}

func (s *Server) GetFunc(w http.ResponseWriter, r *http.Request) {
	ref, fleetRef, ok := s.reference(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, fleetv1alpha.NewWatchResult(ref, s.Cache.Get(r.Context(), fleetRef)))
}

func (s *Server) InvalidateFunc(w http.ResponseWriter, r *http.Request) {
	_, fleetRef, ok := s.reference(w, r)
	if !ok {
		return
	}
	if !s.Cache.Invalidate(r.Context(), fleetRef) {
		ReturnHTTPMessage(w, http.StatusNotFound, "error", "resource is not cached")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) WatchFunc(w http.ResponseWriter, r *http.Request) {
	ref, fleetRef, ok := s.reference(w, r)
	if !ok {
		return
	}

	logger := referenceLogger(ref)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error(err, "Error upgrading to websocket")
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// The client never sends data; a failed read means it went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	o := s.Cache.Watch(ctx, fleetRef)
	defer o.Stop()
	logger.V(1).Info("Watch stream opened", "remote", r.RemoteAddr)

	for {
		select {
		case res := <-o.Updates():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(fleetv1alpha.NewWatchResult(ref, res)); err != nil {
				logger.V(1).Info("Watch stream closed", "error", err.Error())
				return
			}
		case <-o.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func referenceLogger(ref fleetv1alpha.ResourceReference) logr.Logger {
	return log.WithValues("cluster", ref.Cluster, "apiVersion", ref.APIVersion, "kind", ref.Kind,
		"namespace", ref.Namespace, "name", ref.Name)
}

func (s *Server) healthzFunc(w http.ResponseWriter, _ *http.Request) {
	ReturnHTTPMessage(w, http.StatusOK, "info", "ok")
}

// reference parses and validates the reference named by the query of r,
// answering the request itself when it is invalid.
func (s *Server) reference(w http.ResponseWriter, r *http.Request) (fleetv1alpha.ResourceReference, *fleetcache.ResourceReference, bool) {
	q := r.URL.Query()
	ref := fleetv1alpha.ResourceReference{
		APIVersion: q.Get("apiVersion"),
		Kind:       q.Get("kind"),
		Cluster:    q.Get("cluster"),
		Namespace:  q.Get("namespace"),
		Name:       q.Get("name"),
	}
	if list := q.Get("list"); list != "" {
		isList, err := strconv.ParseBool(list)
		if err != nil {
			ReturnHTTPMessage(w, http.StatusBadRequest, "badrequest", "list must be a boolean")
			return ref, nil, false
		}
		ref.IsList = isList
	}

	if errs := ValidateReference(r.Context(), s.Models, ref); len(errs) > 0 {
		ReturnHTTPMessage(w, http.StatusBadRequest, "badrequest", errs.ToAggregate().Error())
		return ref, nil, false
	}

	fleetRef, err := ref.ToFleet()
	if err != nil {
		ReturnHTTPMessage(w, http.StatusBadRequest, "badrequest", err.Error())
		return ref, nil, false
	}
	return ref, fleetRef, true
}

type HTTPMessage struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func ReturnHTTPMessage(w http.ResponseWriter, httpStatus int, messageType string, message string) {
	writeJSON(w, httpStatus, HTTPMessage{
		Status:  strconv.Itoa(httpStatus),
		Message: message,
		Type:    messageType,
	})
}

func writeJSON(w http.ResponseWriter, httpStatus int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		log.Error(err, "Unable to encode response")
	}
}

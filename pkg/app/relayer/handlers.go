package relayer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/abcd5251/1inch-on-sui-sub001/pkg/app/errors"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/auth"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/cache"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/htlc"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/relayer"
	"github.com/abcd5251/1inch-on-sui-sub001/pkg/storage"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// swapRefunder triggers an operator-directed refund. Satisfied by
// *relayer.Coordinator.
type swapRefunder interface {
	Refund(ctx context.Context, swapID string) (*htlc.Swap, error)
}

// engineStatus exposes the engine snapshot. Satisfied by *relayer.Engine.
type engineStatus interface {
	Status() relayer.EngineStatus
}

// subscriberCounter reports connected push sessions. Satisfied by *push.Hub.
type subscriberCounter interface {
	Subscribers() int
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	var svcErr *apperrors.ServiceError
	if !errors.As(err, &svcErr) {
		svcErr = &apperrors.ServiceError{
			Category: apperrors.CategoryGeneralError,
			Message:  "Internal Server Error",
			Err:      err,
		}
	}
	if apperrors.IsInternalError(svcErr) {
		logger.Error("Request failed", zap.Error(svcErr))
	}
	writeJSON(w, logger, svcErr.StatusCode(), map[string]string{"error": svcErr.Message})
}

// parseListQuery reads status/limit/offset query parameters.
func parseListQuery(r *http.Request) (status htlc.Status, limit, offset int, err error) {
	q := r.URL.Query()

	limit = defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return "", 0, 0, apperrors.BadRequestError(err, "limit must be a positive integer")
		}
		if limit > maxListLimit {
			limit = maxListLimit
		}
	}

	if raw := q.Get("offset"); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return "", 0, 0, apperrors.BadRequestError(err, "offset must be a non-negative integer")
		}
	}

	if raw := q.Get("status"); raw != "" {
		status, err = htlc.ParseStatus(raw)
		if err != nil {
			return "", 0, 0, apperrors.BadRequestError(err, fmt.Sprintf("unknown status %q", raw))
		}
	}

	return status, limit, offset, nil
}

func handleListSwaps(store storage.Store, hot *cache.Cache, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, limit, offset, err := parseListQuery(r)
		if err != nil {
			writeError(w, logger, err)
			return
		}

		key := fmt.Sprintf("api:swaps:%s:%d:%d", status, limit, offset)
		if raw, ok := hot.GetQuery(key); ok {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(raw)
			return
		}

		opts := []storage.ListOption{storage.WithLimit(limit), storage.WithOffset(offset)}
		if status != "" {
			opts = append(opts, storage.WithStatus(status))
		}
		swaps, err := store.ListSwaps(r.Context(), opts...)
		if err != nil {
			writeError(w, logger, apperrors.GeneralError(err))
			return
		}
		if swaps == nil {
			swaps = []*htlc.Swap{}
		}

		payload, err := json.Marshal(map[string]any{"swaps": swaps, "count": len(swaps)})
		if err != nil {
			writeError(w, logger, apperrors.GeneralError(err))
			return
		}
		hot.PutQuery(key, payload)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}
}

func handleGetSwap(store storage.Store, hot *cache.Cache, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if swap, ok := hot.GetSwap(id); ok {
			writeJSON(w, logger, http.StatusOK, swap)
			return
		}

		swap, err := store.GetSwap(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrSwapNotFound) {
				writeError(w, logger, apperrors.ResourceNotFoundError(err, "swap not found"))
				return
			}
			writeError(w, logger, apperrors.GeneralError(err))
			return
		}
		writeJSON(w, logger, http.StatusOK, swap)
	}
}

func handleSwapEvents(store storage.Store, hot *cache.Cache, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		swap, ok := hot.GetSwap(id)
		if !ok {
			var err error
			swap, err = store.GetSwap(r.Context(), id)
			if err != nil {
				if errors.Is(err, storage.ErrSwapNotFound) {
					writeError(w, logger, apperrors.ResourceNotFoundError(err, "swap not found"))
					return
				}
				writeError(w, logger, apperrors.GeneralError(err))
				return
			}
		}

		var contractIDs []string
		if swap.EVMContractID != "" {
			contractIDs = append(contractIDs, swap.EVMContractID)
		}
		if swap.MoveContractID != "" {
			contractIDs = append(contractIDs, swap.MoveContractID)
		}

		events := []htlc.Event{}
		if len(contractIDs) > 0 {
			var err error
			events, err = store.EventsByContract(r.Context(), contractIDs...)
			if err != nil {
				writeError(w, logger, apperrors.GeneralError(err))
				return
			}
			if events == nil {
				events = []htlc.Event{}
			}
		}

		writeJSON(w, logger, http.StatusOK, map[string]any{
			"swap_id": swap.ID,
			"events":  events,
			"count":   len(events),
		})
	}
}

func handleStatus(store storage.Store, engine engineStatus, hub subscriberCounter, hot *cache.Cache, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// A cursor read doubles as the store reachability probe.
		_, _, err := store.Cursor(r.Context(), htlc.ChainEVM)
		if err != nil {
			logger.Warn("Store probe failed", zap.Error(err))
		}

		writeJSON(w, logger, http.StatusOK, map[string]any{
			"engine":           engine.Status(),
			"push_subscribers": hub.Subscribers(),
			"cache":            hot.Stats(),
			"store_reachable":  err == nil,
		})
	}
}

func handleRefund(coordinator swapRefunder, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "swap_id")
		subject, _ := auth.AdminSubjectFromContext(r.Context())

		swap, err := coordinator.Refund(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrSwapNotFound):
				writeError(w, logger, apperrors.ResourceNotFoundError(err, "swap not found"))
			case errors.Is(err, storage.ErrTerminalState):
				writeError(w, logger, apperrors.ConflictError(err, "swap already settled"))
			case errors.Is(err, storage.ErrInvalidTransition):
				writeError(w, logger, apperrors.ConflictError(err, "preimage already revealed, refund would race the claim"))
			default:
				writeError(w, logger, apperrors.GeneralError(err))
			}
			return
		}

		logger.Info("Operator refund executed",
			zap.String("swap_id", id),
			zap.String("subject", subject),
			zap.String("refund_tx", swap.RefundTxHash))
		writeJSON(w, logger, http.StatusOK, swap)
	}
}

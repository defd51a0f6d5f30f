package provenance

import (
	"context"
	"net/http"
	"time"

	"github.com/graph-gophers/dataloader/v7"

	"github.com/warp/stock-ledger/ledger"
)

type ctxKey string

const loadersKey = ctxKey("provenance-loaders")

// batchWait is how long a loader collects keys before calling the directory.
const batchWait = time.Millisecond

// Loaders hold the request-scoped batch loaders. Results are memoized for
// the lifetime of the Loaders, so one request sees one answer per id.
type Loaders struct {
	warehouses *dataloader.Loader[ledger.WarehouseID, *ledger.Warehouse]
	parties    map[ledger.PartyKind]*dataloader.Loader[ledger.PartyID, *ledger.Party]
}

func (r *Resolver) NewLoaders() *Loaders {
	parties := make(map[ledger.PartyKind]*dataloader.Loader[ledger.PartyID, *ledger.Party], 2)
	for _, kind := range []ledger.PartyKind{ledger.PartyClient, ledger.PartyProvider} {
		parties[kind] = dataloader.NewBatchedLoader(r.loadParties(kind),
			dataloader.WithWait[ledger.PartyID, *ledger.Party](batchWait))
	}
	return &Loaders{
		warehouses: dataloader.NewBatchedLoader(r.loadWarehouses,
			dataloader.WithWait[ledger.WarehouseID, *ledger.Warehouse](batchWait)),
		parties: parties,
	}
}

// WithLoaders returns ctx carrying fresh loaders.
func (r *Resolver) WithLoaders(ctx context.Context) context.Context {
	return context.WithValue(ctx, loadersKey, r.NewLoaders())
}

// For returns the loaders attached to ctx, or nil.
func For(ctx context.Context) *Loaders {
	l, _ := ctx.Value(loadersKey).(*Loaders)
	return l
}

// Middleware attaches fresh loaders to every request.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(r.WithLoaders(req.Context())))
	})
}

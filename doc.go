// Package nearcache keeps client-side ("near") copies of server-owned data
// consistent with the cluster that owns it.
//
// The cluster pushes an invalidation for every change, tagged with the partition,
// a per-(name, partition) sequence number and the owner's partition token. Pushes
// can be lost, so a Client also runs an anti-entropy loop: every
// ReconcileInterval it asks each data member for the authoritative tokens and
// sequences of the partitions it owns and drops every local partition that fell
// behind or changed owner.
//
// Components:
//   - Client: the runtime. One per process; owns the handler registry, the
//     fetcher and the scheduler.
//   - Sink: receives evictions for one name. NearCache implements it.
//   - NearCache[V]: provider-backed local store whose entries are framed with the
//     scope (partition) and key generations they were fetched under.
//   - Transport: how members are reached (transport/inproc, transport/httpx);
//     pushes can arrive over transport/redispush:
//
//	l := redispush.NewListener(rdb, "nearcache:invalidations", client.Push, nil)
//	go l.Run(ctx)
//
// Readiness: a name becomes ready once its partition tokens were assigned by the
// cluster. Until then a NearCache passes every call through (Get misses, writes
// are skipped).
//
// CAS pattern:
//
//	obs := nc.SnapshotGen(ctx, k) // before the remote read
//	v   := fetchFromCluster(k)
//	_   = nc.SetWithGen(ctx, k, v, obs, 0) // stored iff nothing was invalidated since
package nearcache

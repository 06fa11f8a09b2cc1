// Package hpcds is a client for the HPC volumetric datastore, a server that
// stores six dimensional blocks (x, y, z, time, channel, angle) of typed voxel
// data organized by resolution level and version.
//
// Blocks are never read from the dataset URL directly. The client first asks
// the registration service for a lease on a resolution specific endpoint,
// then talks to that endpoint until the lease expires or is stopped.
//
// # Installation
//
//	go get github.com/gftdcojp/hpcds/pkg/hpcds
//
// # Basic Usage
//
//	client, _ := hpcds.New(hpcds.Config{
//		ServerURL: "http://localhost:9080",
//		Dataset:   "5d2f1f6c-0c36-4c1e-9f0e-b1a3b5bde4a1",
//	})
//	defer client.Close(ctx)
//
//	bc, _ := client.Open(ctx, hpcds.Point3D{X: 1, Y: 1, Z: 1}, hpcds.Latest, hpcds.AccessRead)
//	blk, _ := bc.Read(ctx, hpcds.Block6D{})
//	samples, _ := hpcds.Samples[uint16](blk)
//
//	// Many blocks in as few requests as the URL length allows
//	blocks, _ := bc.ReadMany(ctx, coords)
//
// # Leases
//
// Open acquires a lease through a session cache keyed by resolution, version
// and access mode. Concurrent callers asking for the same key share one
// lease. A lease that runs past its deadline is replaced on the next request.
// Setting [Config.JournalPath] persists leases on disk so that other
// processes can reuse a still valid endpoint.
//
// # Wire Format
//
// Each block is a 12 byte header holding its size as three signed big endian
// 32 bit integers, followed by size.x*size.y*size.z samples in network byte
// order. A size whose product is -1 marks a block the server holds no data
// for; see [Block.Absent].
//
//	GET  {dataset}/{rx}/{ry}/{rz}/{version}/{access}?timeout={ms}  -> 307 Location
//	GET  {endpoint}/{x}/{y}/{z}/{t}/{c}/{a}                        — one block
//	GET  {endpoint}/1/1/1/{x}/{y}/{z}/{t}/{c}/{a}/...              — batch
//	POST {endpoint}/{x}/{y}/{z}/{t}/{c}/{a}                        — write
//	POST {endpoint}/stop                                           — release
//
// # Errors
//
// Failures can be matched with errors.Is against the exported sentinels such
// as [ErrAccessDenied] or [ErrLeaseAcquisitionFailed], and with errors.As
// against [*StatusError] and [*NetworkError].
package hpcds

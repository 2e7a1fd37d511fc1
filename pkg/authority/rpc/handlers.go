package rpc

import (
	"context"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/marmos91/dittosnap/pkg/authority"
)

// handleRequest decodes the procedure arguments into a fresh Req and runs
// handle. Decode failures are answered with StatusInvalidArgument.
func handleRequest[Req any](r io.Reader, proc string, handle func(*Req) (any, error)) (any, error) {
	req := new(Req)
	if _, err := xdr.Unmarshal(r, req); err != nil {
		return nil, authority.NewStatusError(proc, authority.StatusInvalidArgument, "decode arguments: %v", err)
	}
	return handle(req)
}

// handle routes one call to the wrapped authority. The returned result is
// nil whenever err is set, except for update, whose active snapshot is
// always returned.
func (s *Server) handle(ctx context.Context, procedure uint32, r io.Reader) (any, error) {
	auth := s.auth
	proc := ProcName(procedure)

	switch procedure {
	case ProcNull:
		return nil, nil

	case ProcSync:
		return handleRequest(r, proc, func(req *volumeArgs) (any, error) {
			active, err := auth.Sync(ctx, req.Volume)
			if err != nil {
				return nil, err
			}
			return &activeReply{Active: active}, nil
		})

	case ProcCreate:
		return handleRequest(r, proc, func(req *snapArgs) (any, error) {
			return nil, auth.Create(ctx, req.Header.header(), req.Volume, req.Snap)
		})

	case ProcDelete:
		return handleRequest(r, proc, func(req *snapArgs) (any, error) {
			return nil, auth.Delete(ctx, req.Header.header(), req.Volume, req.Snap)
		})

	case ProcList:
		return handleRequest(r, proc, func(req *volumeArgs) (any, error) {
			names, err := auth.List(ctx, req.Volume)
			if err != nil {
				return nil, err
			}
			return &namesReply{Names: names}, nil
		})

	case ProcQuery:
		return handleRequest(r, proc, func(req *queryArgs) (any, error) {
			status, err := auth.Query(ctx, req.Volume, req.Snap)
			if err != nil {
				return nil, err
			}
			return &statusReply{Status: int32(status)}, nil
		})

	case ProcUpdate:
		return handleRequest(r, proc, func(req *updateArgs) (any, error) {
			active, err := auth.Update(ctx, req.Header.header(), req.Volume, req.Snap, authority.UpdateEvent(req.Event))
			return &activeReply{Active: active}, err
		})

	case ProcRollback:
		return handleRequest(r, proc, func(req *snapArgs) (any, error) {
			blocks, err := auth.Rollback(ctx, req.Header.header(), req.Volume, req.Snap)
			if err != nil {
				return nil, err
			}
			return &blocksReply{Blocks: fromBlockRefs(blocks)}, nil
		})

	case ProcDiff:
		return handleRequest(r, proc, func(req *diffArgs) (any, error) {
			ranges, err := auth.Diff(ctx, req.Header.header(), req.Volume, req.First, req.Last)
			if err != nil {
				return nil, err
			}
			out := make([]wireDiffRange, len(ranges))
			for i, d := range ranges {
				out[i] = wireDiffRange{FirstBlock: d.FirstBlock, BlockCount: d.BlockCount}
			}
			return &diffReply{Ranges: out}, nil
		})

	case ProcRead:
		return handleRequest(r, proc, func(req *readArgs) (any, error) {
			blocks, err := auth.Read(ctx, req.Header.header(), req.Volume, req.Snap, req.Offset, req.Length)
			if err != nil {
				return nil, err
			}
			return &blocksReply{Blocks: fromBlockRefs(blocks)}, nil
		})

	case ProcCowQuery:
		return handleRequest(r, proc, func(req *cowQueryArgs) (any, error) {
			d, err := auth.CowQuery(ctx, req.Volume, req.Active, req.BlockNo)
			if err != nil {
				return nil, err
			}
			return &cowQueryReply{NeedsPreservation: d.NeedsPreservation, Object: d.Object}, nil
		})

	case ProcCowCommit:
		return handleRequest(r, proc, func(req *cowCommitArgs) (any, error) {
			return nil, auth.CowCommit(ctx, req.Volume, req.Active, req.BlockNo, req.Object)
		})

	default:
		return nil, authority.NewStatusError(proc, authority.StatusUnsupported, "unknown procedure %d", procedure)
	}
}

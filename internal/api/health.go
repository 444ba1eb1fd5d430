package api

import (
	"net/http"
	"strings"

	"MoltArb/internal/web3/ethereum"
)

// chainFor 解析 ?chain= 参数，缺省为默认链。
func (s *Server) chainFor(r *http.Request) (*ethereum.Client, error) {
	name := strings.TrimSpace(r.URL.Query().Get("chain"))
	if name == "" {
		return s.deps.Chains.Default(), nil
	}
	client, ok := s.deps.Chains.Get(name)
	if !ok {
		return nil, invalid("Unknown chain: %s", name)
	}
	return client, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	client, err := s.chainFor(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snapshot, err := client.Snapshot(r.Context())
	if err != nil {
		s.log.Warn("RPC 健康检查失败", "chain", client.Name(), "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "error",
			"error":  "RPC connection failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"chain":       snapshot.Chain,
		"chainId":     snapshot.ChainID,
		"blockNumber": snapshot.BlockNumber,
		"version":     s.cfg.Version,
		"chains":      s.deps.Chains.Chains(),
		"contracts": map[string]string{
			"rose":        s.cfg.Contracts.ROSE,
			"vrose":       s.cfg.Contracts.VROSE,
			"marketplace": s.cfg.Contracts.Marketplace,
			"governance":  s.cfg.Contracts.Governance,
			"treasury":    s.cfg.Contracts.Treasury,
		},
	})
}

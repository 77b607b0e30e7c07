package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/vaultedge/coreledger/internal/account"
	"github.com/vaultedge/coreledger/internal/balance"
	"github.com/vaultedge/coreledger/internal/commit"
	"github.com/vaultedge/coreledger/internal/eod"
	"github.com/vaultedge/coreledger/internal/policy"
	"github.com/vaultedge/coreledger/internal/posting"
	"github.com/vaultedge/coreledger/internal/schedule"
)

type balanceEntry struct {
	AssetType    string `json:"asset_type"`
	Denomination string `json:"denomination"`
	Address      string `json:"address"`
	Phase        string `json:"phase"`
	Amount       string `json:"amount"`
}

func snapshotJSON(snap balance.Snapshot) gin.H {
	entries := make([]balanceEntry, 0, len(snap.Balances))
	for k, v := range snap.Balances {
		entries = append(entries, balanceEntry{
			AssetType:    k.AssetType,
			Denomination: k.Denomination,
			Address:      k.Address,
			Phase:        string(k.Phase),
			Amount:       v.String(),
		})
	}
	return gin.H{
		"account_id": snap.AccountID,
		"version":    snap.Version,
		"as_of":      snap.AsOf,
		"balances":   entries,
	}
}

// policyRefResolver maps a product parameter-set name to its pinned policy
// version. The etcd loader implements it; nil means no pin store configured.
type policyRefResolver interface {
	Resolve(paramSet string) (policy.Ref, bool)
}

func registerRoutes(
	r *gin.Engine,
	accounts *account.Service,
	balances balance.Store,
	engine *commit.Engine,
	scheduler *schedule.Scheduler,
	coordinator *eod.Coordinator,
	refs policyRefResolver,
) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "eod_phase": coordinator.Phase()})
	})

	api := r.Group("/api/v1")

	api.POST("/accounts", func(c *gin.Context) {
		var req struct {
			ID            string            `json:"id" binding:"required"`
			Product       string            `json:"product"`
			PolicyName    string            `json:"policy_name"`
			PolicyVersion int64             `json:"policy_version"`
			Params        map[string]string `json:"params"`
			Stakeholders  []string          `json:"stakeholders"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ref := policy.Ref{Name: req.PolicyName, Version: req.PolicyVersion}
		switch {
		case req.Product != "":
			if refs == nil {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no policy ref store configured"})
				return
			}
			pinned, ok := refs.Resolve(req.Product)
			if !ok {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown product " + req.Product})
				return
			}
			ref = pinned
		case req.PolicyName == "" || req.PolicyVersion <= 0:
			c.JSON(http.StatusBadRequest, gin.H{"error": "product or policy_name/policy_version is required"})
			return
		}

		acct, err := accounts.Create(c.Request.Context(), req.ID, ref, req.Params, req.Stakeholders)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, acct)
	})

	api.GET("/accounts", func(c *gin.Context) {
		c.JSON(http.StatusOK, accounts.List(c.Request.Context()))
	})

	api.GET("/accounts/:id", func(c *gin.Context) {
		acct, err := accounts.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, acct)
	})

	lifecycle := map[string]func(c *gin.Context, id string) error{
		"activate":        func(c *gin.Context, id string) error { return accounts.Activate(c.Request.Context(), id) },
		"cancel":          func(c *gin.Context, id string) error { return accounts.Cancel(c.Request.Context(), id) },
		"request-closure": func(c *gin.Context, id string) error { return accounts.RequestClosure(c.Request.Context(), id) },
		"close":           func(c *gin.Context, id string) error { return accounts.Close(c.Request.Context(), id) },
	}
	for action, fn := range lifecycle {
		fn := fn
		api.POST("/accounts/:id/"+action, func(c *gin.Context) {
			if err := fn(c, c.Param("id")); err != nil {
				status := http.StatusUnprocessableEntity
				if errors.Is(err, account.ErrNotFound) {
					status = http.StatusNotFound
				}
				c.JSON(status, gin.H{"error": err.Error()})
				return
			}
			acct, _ := accounts.Get(c.Request.Context(), c.Param("id"))
			c.JSON(http.StatusOK, acct)
		})
	}

	api.PUT("/accounts/:id/params", func(c *gin.Context) {
		var updates map[string]string
		if err := c.ShouldBindJSON(&updates); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := accounts.SetParams(c.Request.Context(), c.Param("id"), updates); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "updated"})
	})

	api.GET("/accounts/:id/params/:name", func(c *gin.Context) {
		value, err := accounts.DerivedParam(c.Request.Context(), c.Param("id"), c.Param("name"))
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "value": value})
	})

	api.POST("/accounts/:id/convert", func(c *gin.Context) {
		var req struct {
			PolicyName    string `json:"policy_name" binding:"required"`
			PolicyVersion int64  `json:"policy_version" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		target := policy.Ref{Name: req.PolicyName, Version: req.PolicyVersion}
		if err := accounts.Convert(c.Request.Context(), c.Param("id"), target); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "converted", "policy": target.String()})
	})

	api.POST("/accounts/:id/restrictions", func(c *gin.Context) {
		var req struct {
			Restriction string `json:"restriction" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := accounts.AddRestriction(c.Request.Context(), c.Param("id"), account.Restriction(req.Restriction)); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "restricted"})
	})

	api.DELETE("/accounts/:id/restrictions/:restriction", func(c *gin.Context) {
		if err := accounts.RemoveRestriction(c.Request.Context(), c.Param("id"), account.Restriction(c.Param("restriction"))); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "unrestricted"})
	})

	api.GET("/accounts/:id/balances", func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")

		var (
			snap balance.Snapshot
			err  error
		)
		if asOfRaw := c.Query("as_of"); asOfRaw != "" {
			asOf, parseErr := time.Parse(time.RFC3339, asOfRaw)
			if parseErr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC 3339"})
				return
			}
			snap, err = balances.SnapshotAsOf(ctx, id, asOf)
		} else {
			snap, err = balances.Snapshot(ctx, id)
		}
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, balance.ErrAccountNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snapshotJSON(snap))
	})

	api.POST("/posting-batches", func(c *gin.Context) {
		var req struct {
			ClientBatchID string                `json:"client_batch_id" binding:"required"`
			Instructions  []posting.Instruction `json:"instructions" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := engine.Commit(c.Request.Context(), posting.NewBatch(req.ClientBatchID, req.Instructions))
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, commit.ErrConcurrencyConflict) {
				status = http.StatusConflict
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		status := http.StatusOK
		if res.Status == commit.StatusRejected {
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, res)
	})

	api.GET("/posting-batches/:client_batch_id", func(c *gin.Context) {
		res, ok, err := engine.Result(c.Request.Context(), c.Param("client_batch_id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no result recorded for client batch id"})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	api.POST("/schedules", func(c *gin.Context) {
		var req struct {
			ClientRef string    `json:"client_ref" binding:"required"`
			DueAt     time.Time `json:"due_at" binding:"required"`
			GroupID   string    `json:"group_id"`
			GroupPos  int       `json:"group_pos"`
			Tags      []string  `json:"tags"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job, err := scheduler.Define(c.Request.Context(), schedule.Definition{
			ClientRef: req.ClientRef,
			DueAt:     req.DueAt,
			GroupID:   req.GroupID,
			GroupPos:  req.GroupPos,
			Tags:      req.Tags,
		})
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, job)
	})

	api.POST("/schedules/recurring", func(c *gin.Context) {
		var req struct {
			ClientRef string   `json:"client_ref" binding:"required"`
			Cron      string   `json:"cron" binding:"required"`
			Count     int      `json:"count"`
			Tags      []string `json:"tags"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		jobs, err := scheduler.DefineRecurring(c.Request.Context(), req.ClientRef, req.Cron, req.Count, req.Tags)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, jobs)
	})

	api.GET("/schedules/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		job, err := scheduler.Job(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		blocked, err := scheduler.Blocked(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"job": job, "blocked": blocked})
	})

	api.POST("/schedules/:id/cancel", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		if err := scheduler.Cancel(c.Request.Context(), id); err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, schedule.ErrJobNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
	})

	api.POST("/schedules/:id/republish", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		if err := scheduler.Republish(c.Request.Context(), id); err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, schedule.ErrJobNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		job, _ := scheduler.Job(c.Request.Context(), id)
		c.JSON(http.StatusOK, job)
	})

	api.GET("/eod/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"phase": coordinator.Phase()})
	})

	api.POST("/eod/start-day", func(c *gin.Context) {
		var req struct {
			Day             time.Time `json:"day" binding:"required"`
			PrimaryCutoff   time.Time `json:"primary_cutoff" binding:"required"`
			SecondaryCutoff time.Time `json:"secondary_cutoff" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := coordinator.StartDay(req.Day, req.PrimaryCutoff, req.SecondaryCutoff); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"phase": coordinator.Phase()})
	})

	api.POST("/eod/overnight-jobs", func(c *gin.Context) {
		var req struct {
			Jobs []eod.OvernightJob `json:"jobs" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		coordinator.RegisterOvernightJobs(req.Jobs...)
		c.JSON(http.StatusOK, gin.H{"registered": len(req.Jobs)})
	})

	api.GET("/eod/positions/:day/:account_id", func(c *gin.Context) {
		pos, err := coordinator.Position(c.Param("day"), c.Param("account_id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		entries := make([]balanceEntry, 0, len(pos.Balances))
		for k, v := range pos.Balances {
			entries = append(entries, balanceEntry{
				AssetType:    k.AssetType,
				Denomination: k.Denomination,
				Address:      k.Address,
				Phase:        string(k.Phase),
				Amount:       v,
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"date":        pos.Date,
			"account_id":  pos.AccountID,
			"attribution": pos.Attribution,
			"as_of":       pos.AsOf,
			"computed_at": pos.ComputedAt,
			"balances":    entries,
		})
	})
}

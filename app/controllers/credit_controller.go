package controllers

// CreditController 积分余额与推荐接口
type CreditController struct {
	BaseController
}

// GetBalance 查询可用余额与积分包明细（按到期时间升序）
func (c *CreditController) GetBalance() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	ctx := c.Ctx.Request.Context()

	total, err := creditService.GetAvailableBalance(ctx, userID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	packages, err := creditService.ListActivePackages(ctx, userID)
	if err != nil {
		c.JSONAppError(err)
		return
	}

	c.JSONSuccess(map[string]interface{}{
		"total_credits": total,
		"packages":      packages,
	})
}

// GetReferralStats 查询推荐码与推荐收益
func (c *CreditController) GetReferralStats() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}

	stats, err := creditService.GetReferralStats(c.Ctx.Request.Context(), userID)
	if err != nil {
		c.JSONAppError(err)
		return
	}
	c.JSONSuccess(stats)
}

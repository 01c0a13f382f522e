package service

import "errors"

// 业务错误的封闭集合
// 调用方用 errors.Is 分支，不允许靠解析错误文案区分错误种类
var (
	ErrUserNotFound          = errors.New("用户不存在")
	ErrWalletNotFound        = errors.New("钱包不存在")
	ErrProductUnavailable    = errors.New("商品不存在或已下架")
	ErrInsufficientFunds     = errors.New("余额不足")
	ErrInvalidAmount         = errors.New("金额必须大于0")
	ErrInvalidQuantity       = errors.New("数量必须为正整数")
	ErrCurrencyMismatch      = errors.New("币种不匹配")
	ErrMissingExternalRef    = errors.New("缺少支付参考号")
	ErrConcurrencyConflict   = errors.New("系统繁忙，请稍后重试")
	ErrPurchaseNotFound      = errors.New("购买记录不存在")
	ErrPurchaseNotRefundable = errors.New("当前状态不允许退款")
)

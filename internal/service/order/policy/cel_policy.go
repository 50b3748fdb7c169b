// Package policy 实现下单准入策略。
package policy

import (
	"context"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"stockflow/internal/service/order/domain"
)

// CELPolicy 用一个 CEL 布尔表达式决定是否接受下单请求。
// 可用变量: productId, quantity, buyerId, buyerName。
//
//	quantity <= 10 && !buyerId.startsWith("blocked-")
type CELPolicy struct {
	expr string
	prg  cel.Program
}

// NewCELPolicy 编译表达式。expr 为空时返回允许一切的策略。
func NewCELPolicy(expr string) (*CELPolicy, error) {
	if expr == "" {
		return &CELPolicy{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("productId", cel.StringType),
		cel.Variable("quantity", cel.IntType),
		cel.Variable("buyerId", cel.StringType),
		cel.Variable("buyerName", cel.StringType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile admission policy %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("admission policy %q must evaluate to bool, got %s", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "build cel program")
	}
	return &CELPolicy{expr: expr, prg: prg}, nil
}

func (p *CELPolicy) Admit(_ context.Context, req domain.OrderRequest) error {
	if p == nil || p.prg == nil {
		return nil
	}
	out, _, err := p.prg.Eval(map[string]any{
		"productId": req.ProductID,
		"quantity":  int64(req.Quantity),
		"buyerId":   req.BuyerID,
		"buyerName": req.BuyerName,
	})
	if err != nil {
		return domain.InvalidArgument("admission policy could not evaluate order: %v", err)
	}
	if allowed, ok := out.Value().(bool); !ok || !allowed {
		return domain.InvalidArgument("order rejected by admission policy")
	}
	return nil
}

// Expression 返回原始表达式, 空串表示不限制
func (p *CELPolicy) Expression() string {
	return p.expr
}

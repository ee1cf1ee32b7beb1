// Package booster implements binary gradient-boosted decision trees.
//
// Training follows the exact greedy algorithm with second order gradients
// (the formulation used by XGBoost): each round fits one regression tree on
// the gradient and hessian of the logistic loss, split candidates are
// enumerated over every distinct feature value, and missing values are sent
// along a per-node default direction chosen during training.
//
// Hyperparameter names follow XGBoost (max_depth, eta, min_child_weight,
// subsample, num_round, lambda, gamma) so values given to the training stage
// through SM_HP_* environment variables keep their usual meaning.
//
// Models trained here are written as JSON. Native XGBoost binary models can
// be loaded for prediction through github.com/dmitryikh/leaves.
//
// Example:
//
//	params, err := booster.ParamsFromEnv(os.LookupEnv)
//	clf := booster.NewClassifier(params).WithLogger(logger)
//	if err := clf.FitWithEval(train.Features, train.Labels, valid.Features, valid.Labels); err != nil {
//	    return err
//	}
//	proba, err := clf.PredictProba(valid.Features)
package booster
